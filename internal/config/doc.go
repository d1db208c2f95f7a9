// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how the access token is usually supplied:
//
//	user:
//	  token: ${TRADEFLOW_TOKEN}
package config

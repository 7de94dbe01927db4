// Package config provides loading and environment overlay for strata
// configuration. It exposes a Default() baseline, file loading by
// extension (JSON or YAML), and a STRATA_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/strata.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
package config

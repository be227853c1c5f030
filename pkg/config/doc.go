// Package config loads the autoscribe configuration.
//
// Configuration comes from a YAML file with environment overrides (via
// cleanenv) and is checked with struct validation tags. Two optional runtime
// hooks live here as well:
//
//   - Scorer compiles a Starlark script that replaces the built-in target
//     score.
//   - Watcher reloads the file on change so weights can be tuned without a
//     restart.
//
// # Example
//
//	cfg, err := config.Load("autoscribe.yaml")
//	if err != nil {
//	    return err
//	}
//
//	w, err := config.NewWatcher("autoscribe.yaml", 0, logger, func(next *config.Config) {
//	    orch.SetWeights(next.Weights)
//	})
//	if err != nil {
//	    return err
//	}
//	go w.Run(ctx)
package config

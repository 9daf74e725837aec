// Package config loads the two kinds of configuration halcore needs: the
// setup file, an HCL document listing the modules of an installation in
// delivery order, and the application settings, read through viper from a
// config file, HALCORE_* environment variables and command-line flags.
package config

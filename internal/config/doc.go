// Package config implements a model.ConfigurationSource backed by a YAML
// properties file: node, resource, and nameserver definitions are parsed
// once at Start and reloaded whenever the file changes, detected through
// an fsnotify watch on its directory with a 5-second poll as a fallback.
package config

package config

import "time"

// DefaultPort is the command port used when neither the config, the flags
// nor the settings store name one.
const DefaultPort = 8087

// DefaultBindHost listens on every interface.
const DefaultBindHost = "0.0.0.0"

// DefaultKeyTimeout bounds one key action.
const DefaultKeyTimeout = 2 * time.Second

package bus

// TopicConfigReloaded is published whenever the live file watcher picks up
// a change to the watched-repos section of the config file.
const TopicConfigReloaded = "config.reloaded"

// ConfigReloadedEvent carries the path that changed.
type ConfigReloadedEvent struct {
	Path string
}

package mqtt

import "strings"

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "devicehub"

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// HubStatus is where the hub announces itself online or offline (retained).
func (t Topics) HubStatus() string {
	return t.prefix() + "/hub/status"
}

// DevicePresence carries one device's connectivity (retained).
func (t Topics) DevicePresence(deviceID string) string {
	return t.prefix() + "/presence/" + sanitizeLevel(deviceID)
}

// DevicePresenceAll matches every device presence topic.
func (t Topics) DevicePresenceAll() string {
	return t.prefix() + "/presence/+"
}

// sanitizeLevel keeps a device ID from injecting topic levels or wildcards.
func sanitizeLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

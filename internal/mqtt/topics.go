package mqtt

// Topics is the topic layout for one proxwatch device. Everything lives
// under proxwatch/<device>; discovery configs go under the Home
// Assistant discovery prefix.
type Topics struct {
	Base               string
	Availability       string
	PresenceState      string
	PresenceAttributes string
	StatusState        string
	Command            string

	device          string
	discoveryPrefix string
}

// NewTopics returns the topic layout for deviceName.
func NewTopics(deviceName, discoveryPrefix string) Topics {
	base := "proxwatch/" + deviceName
	if discoveryPrefix == "" {
		discoveryPrefix = "homeassistant"
	}
	return Topics{
		Base:               base,
		Availability:       base + "/availability",
		PresenceState:      base + "/presence/state",
		PresenceAttributes: base + "/presence/attributes",
		StatusState:        base + "/status/state",
		Command:            base + "/command",
		device:             deviceName,
		discoveryPrefix:    discoveryPrefix,
	}
}

// Discovery returns the discovery config topic for an entity of the
// given Home Assistant component ("binary_sensor", "sensor").
func (t Topics) Discovery(component, entity string) string {
	return t.discoveryPrefix + "/" + component + "/" + t.device + "/" + entity + "/config"
}

package xrayconfig

// Config is the xray configuration document. Only the sections the backend
// manages are modelled; the engine fills the rest with its defaults.
type Config struct {
	Log       LogConfig        `json:"log"`
	API       APIConfig        `json:"api"`
	Stats     StatsConfig      `json:"stats"`
	Policy    PolicyConfig     `json:"policy"`
	Inbounds  []InboundConfig  `json:"inbounds"`
	Outbounds []OutboundConfig `json:"outbounds"`
}

// LogConfig sets the engine log level.
type LogConfig struct {
	LogLevel string `json:"loglevel"`
}

// APIConfig exposes the gRPC management services on a dedicated listener.
type APIConfig struct {
	Tag      string   `json:"tag"`
	Listen   string   `json:"listen"`
	Services []string `json:"services"`
}

// StatsConfig enables the stats manager. It has no fields but must be present.
type StatsConfig struct{}

// PolicyConfig turns on the traffic statistics the backend reads.
type PolicyConfig struct {
	Levels map[string]PolicyLevel `json:"levels"`
	System PolicySystem           `json:"system"`
}

// PolicyLevel enables per-user counters, which the admission monitor reads
// through the StatsService.
type PolicyLevel struct {
	StatsUserUplink   bool `json:"statsUserUplink"`
	StatsUserDownlink bool `json:"statsUserDownlink"`
}

// PolicySystem enables inbound and outbound counters.
type PolicySystem struct {
	StatsInboundUplink    bool `json:"statsInboundUplink"`
	StatsInboundDownlink  bool `json:"statsInboundDownlink"`
	StatsOutboundUplink   bool `json:"statsOutboundUplink"`
	StatsOutboundDownlink bool `json:"statsOutboundDownlink"`
}

// InboundConfig is one engine listener: the VLESS inbound or the API inbound.
type InboundConfig struct {
	Tag            string          `json:"tag"`
	Listen         string          `json:"listen,omitempty"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       InboundSettings `json:"settings"`
	StreamSettings StreamSettings  `json:"streamSettings"`
}

// InboundSettings carries the VLESS users and decryption mode.
type InboundSettings struct {
	Clients    []Client `json:"clients"`
	Decryption string   `json:"decryption"`
}

// Client is one VLESS user. Email doubles as the user key in the engine, so
// it always carries the credential id.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Level int    `json:"level"`
	Flow  string `json:"flow,omitempty"`
}

// StreamSettings selects the transport and its security layer.
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
}

// RealitySettings holds the server side of the Reality handshake.
type RealitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIDs    []string `json:"shortIds"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// OutboundConfig is a named outbound such as freedom or blackhole.
type OutboundConfig struct {
	Protocol string `json:"protocol"`
	Tag      string `json:"tag"`
}

// Clients returns the VLESS users of the inbound with the given tag.
func (c *Config) Clients(inboundTag string) []Client {
	for _, inbound := range c.Inbounds {
		if inbound.Tag == inboundTag {
			return inbound.Settings.Clients
		}
	}
	return nil
}

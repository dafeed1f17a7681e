package api

// Discipline is the root bandwidth-limiting qdisc.
type Discipline string

const (
	HTB  Discipline = "htb"
	HFSC Discipline = "hfsc"
	TBF  Discipline = "tbf"
)

type Link struct {
	SrcNode    string         `yaml:"srcNode"`
	DstNode    string         `yaml:"dstNode"`
	Properties LinkProperties `yaml:"properties"`
	// SrcIntf and DstIntf override the canonical <node>-eth<N> names.
	SrcIntf string `yaml:"srcIntf,omitempty"`
	DstIntf string `yaml:"dstIntf,omitempty"`
	SrcIP   string `yaml:"srcIP,omitempty"`
	DstIP   string `yaml:"dstIP,omitempty"`
	// Kind forces a connection strategy ("veth", "patch", "tunnel").
	Kind string `yaml:"kind,omitempty"`
}

// LinkProperties is the traffic shaping applied to both ends of a link.
// The zero value means no shaping.
type LinkProperties struct {
	Bw           *float64   `yaml:"bw,omitempty"` // in Mbit/s
	Delay        string     `yaml:"delay,omitempty"`
	Jitter       string     `yaml:"jitter,omitempty"`
	Loss         float64    `yaml:"loss,omitempty"` // in percentage
	MaxQueueSize int        `yaml:"maxQueueSize,omitempty"`
	Discipline   Discipline `yaml:"discipline,omitempty" default:"htb"`
	EnableECN    bool       `yaml:"enableECN,omitempty"`
	EnableRED    bool       `yaml:"enableRED,omitempty"`
	// LatencyMs is the tbf latency; derived from bw when nil.
	LatencyMs *float64 `yaml:"latencyMs,omitempty"`
}

// Shaped reports whether any shaping parameter is set.
func (p *LinkProperties) Shaped() bool {
	return p.Bw != nil || p.Delay != "" || p.Jitter != "" || p.Loss != 0 || p.MaxQueueSize != 0
}

// Mbps is a convenience for filling LinkProperties.Bw.
func Mbps(v float64) *float64 {
	return &v
}

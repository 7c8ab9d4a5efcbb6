// Package config loads the static YAML description of a demo DIF: the
// IPC processes, the connections between them, and the PFT entries
// that route traffic. Grounded on doismellburning-samoyed's deviceid.go,
// which loads its own YAML table with os.ReadFile + yaml.Unmarshal
// into plain Go structs rather than a templated config framework.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rina-project/efcp/efcp"
	"github.com/rina-project/efcp/pci"
)

// IPCP describes one node in the demo DIF.
type IPCP struct {
	Name    string `yaml:"name"`
	Address uint32 `yaml:"address"`
}

// Route is a static PFT entry: packets for Dest at QoS go out Ports.
type Route struct {
	IPCP  string  `yaml:"ipcp"`
	Dest  uint32  `yaml:"dest"`
	QoS   uint8   `yaml:"qos"`
	Ports []int32 `yaml:"ports"`
}

// Policies mirrors efcp.Policies in YAML-friendly form.
type Policies struct {
	FlowCtrl    bool `yaml:"flow_ctrl"`
	WindowBased bool `yaml:"window_based"`
	RateBased   bool `yaml:"rate_based"`
	RtxCtrl     bool `yaml:"rtx_ctrl"`
}

// Connection describes one EFCP connection to create between two
// already-bound ports.
type Connection struct {
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`
	FromPort   int32    `yaml:"from_port"`
	ToPort     int32    `yaml:"to_port"`
	QoS        uint8    `yaml:"qos"`
	Policies   Policies `yaml:"policies"`
	MaxCWQLen  int      `yaml:"max_cwq_len"`
	AMillis    int64    `yaml:"a_millis"`
	MPLMillis  int64    `yaml:"mpl_millis"`
	RMillis    int64    `yaml:"r_millis"`
	MaxRetries int      `yaml:"max_retries"`
	TRDMillis  int64    `yaml:"trd_millis"`
}

// DIF is the top-level document describing a demo network.
type DIF struct {
	IPCPs       []IPCP       `yaml:"ipcps"`
	Routes      []Route      `yaml:"routes"`
	Connections []Connection `yaml:"connections"`
}

// Load reads and parses a DIF configuration file.
func Load(path string) (*DIF, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var dif DIF
	if err := yaml.Unmarshal(data, &dif); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &dif, nil
}

// EFCPParams converts a Connection into efcp.Params for the
// initiating side (DstCEPID left invalid, filled in later via
// ConnectionUpdate).
func (c Connection) EFCPParams(src, dst pci.Address) efcp.Params {
	return efcp.Params{
		SrcAddress: src,
		DstAddress: dst,
		DstCEPID:   pci.InvalidCEPID,
		QoS:        pci.QoSID(c.QoS),
		Policies: efcp.Policies{
			FlowCtrl:    c.Policies.FlowCtrl,
			WindowBased: c.Policies.WindowBased,
			RateBased:   c.Policies.RateBased,
			RtxCtrl:     c.Policies.RtxCtrl,
		},
		Port:              pci.PortID(c.FromPort),
		MaxCWQLen:         c.MaxCWQLen,
		A:                 time.Duration(c.AMillis) * time.Millisecond,
		MPL:               time.Duration(c.MPLMillis) * time.Millisecond,
		R:                 time.Duration(c.RMillis) * time.Millisecond,
		DataRetransmitMax: c.MaxRetries,
		InitialTRD:        time.Duration(c.TRDMillis) * time.Millisecond,
	}
}

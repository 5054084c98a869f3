package mesh

import (
	"fmt"
)

// HostRoomLabel is the reserved channel present on every host↔guest link.
// It carries mesh-formation control messages only.
const HostRoomLabel = "host-room"

// hostRoomID is the negotiated id of the host-room channel; configured
// channels start right after it.
const hostRoomID uint16 = 0

// ChannelConfig describes one application channel. Every participant must
// construct the same list in the same order: channel ids are derived from
// list position and never negotiated.
type ChannelConfig struct {
	Label string `yaml:"label"`
	// HostOnly channels are created on host↔guest links only.
	HostOnly bool  `yaml:"hostOnly"`
	Ordered  *bool `yaml:"ordered"` // nil means ordered
	// At most one of MaxRetransmits and MaxPacketLifeTime may be set.
	MaxRetransmits    *uint16 `yaml:"maxRetransmits"`
	MaxPacketLifeTime *uint16 `yaml:"maxPacketLifeTime"` // milliseconds
	Protocol          string  `yaml:"protocol"`
}

// IsOrdered resolves the Ordered default.
func (c ChannelConfig) IsOrdered() bool {
	return c.Ordered == nil || *c.Ordered
}

// hostRoomConfig is the fixed configuration of the relay channel.
var hostRoomConfig = ChannelConfig{Label: HostRoomLabel, HostOnly: true}

// ValidateChannels checks a channel list for reserved, empty or duplicate
// labels and for conflicting reliability settings.
func ValidateChannels(configs []ChannelConfig) error {
	seen := make(map[string]struct{}, len(configs))
	for i, c := range configs {
		switch {
		case c.Label == "":
			return fmt.Errorf("%w: channel %d has no label", ErrInvalidChannels, i)
		case c.Label == HostRoomLabel:
			return fmt.Errorf("%w: label %q is reserved", ErrInvalidChannels, HostRoomLabel)
		case c.MaxRetransmits != nil && c.MaxPacketLifeTime != nil:
			return fmt.Errorf("%w: channel %q sets both maxRetransmits and maxPacketLifeTime", ErrInvalidChannels, c.Label)
		}
		if _, dup := seen[c.Label]; dup {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidChannels, c.Label)
		}
		seen[c.Label] = struct{}{}
	}
	if len(configs) > 0xfffe {
		return fmt.Errorf("%w: too many channels (%d)", ErrInvalidChannels, len(configs))
	}
	return nil
}

// channelSlot pairs a config with its negotiated id.
type channelSlot struct {
	cfg ChannelConfig
	id  uint16
}

// channelPlan lists the channels to create on a link. hostLink is true when
// either endpoint is the host; only then are host-room and hostOnly channels
// included.
func channelPlan(configs []ChannelConfig, hostLink bool) []channelSlot {
	plan := make([]channelSlot, 0, len(configs)+1)
	if hostLink {
		plan = append(plan, channelSlot{cfg: hostRoomConfig, id: hostRoomID})
	}
	for i, c := range configs {
		if c.HostOnly && !hostLink {
			continue
		}
		plan = append(plan, channelSlot{cfg: c, id: uint16(i) + 1})
	}
	return plan
}

// openChannels creates every planned channel on s.
func openChannels(s Session, configs []ChannelConfig, hostLink bool) (map[string]Channel, error) {
	plan := channelPlan(configs, hostLink)
	channels := make(map[string]Channel, len(plan))
	for _, slot := range plan {
		ch, err := s.CreateChannel(slot.cfg, slot.id)
		if err != nil {
			return nil, fmt.Errorf("create channel %q (id=%d): %w", slot.cfg.Label, slot.id, err)
		}
		channels[slot.cfg.Label] = ch
	}
	return channels, nil
}

package vxi

import (
	"strings"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/consts"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/vxierr"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/strconvx"
)

// parseDeviceName parses a CREATE_LINK device_name into a GPIB primary
// address, per spec.md §4.4: "inst<N>" or "gpib<K>,<N>"/"hpib<K>,<N>"
// (interface K ignored), case-insensitively; anything else is a
// parameter error.
func parseDeviceName(raw string) (int, error) {
	name := strings.ToLower(raw)

	var numeric string
	switch {
	case strings.HasPrefix(name, "inst"):
		numeric = name[len("inst"):]
	case strings.HasPrefix(name, "gpib"), strings.HasPrefix(name, "hpib"):
		rest := name[4:]
		idx := strings.IndexByte(rest, ',')
		if idx < 0 {
			return 0, vxierr.ErrParameter
		}
		numeric = rest[idx+1:]
	default:
		return 0, vxierr.ErrParameter
	}

	primary, err := strconvx.Atoi(numeric)
	if err != nil {
		return 0, vxierr.ErrParameter
	}
	if primary < consts.MinPrimaryAddress || primary > consts.MaxPrimaryAddress {
		return 0, vxierr.ErrParameter
	}
	return primary, nil
}

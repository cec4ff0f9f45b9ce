package avalon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"axefleet/internal/miner"
)

// Avalon MM status strings pack telemetry as KEY[value] pairs inside estats, e.g.
// "Ver[...] DNA[0137dace...] Fan1[2040] Temp[31] TMax[78] GHSmm[37250.21] PS[0 1215 ...]".
var mmField = regexp.MustCompile(`([A-Za-z0-9]+)\[([^\]]*)\]`)

func applyVersion(info *miner.Info, raw string) {
	for _, m := range sections(raw, "VERSION") {
		if info.Model == "" {
			for _, k := range []string{"PROD", "MODEL", "Type"} {
				if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
					info.Model = strings.TrimSpace(v)
					break
				}
			}
		}
		if info.Firmware == "" {
			for _, k := range []string{"VERSION", "CGMiner", "API"} {
				if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
					info.Firmware = strings.TrimSpace(v)
					break
				}
			}
		}
		if info.Hostname == "" {
			if v, ok := m["HOSTNAME"].(string); ok {
				info.Hostname = strings.TrimSpace(v)
			}
		}
		if info.UniqueID == "" {
			if v, ok := m["DNA"].(string); ok && strings.TrimSpace(v) != "" {
				info.UniqueID = "avalon-" + strings.ToLower(strings.TrimSpace(v))
			}
		}
		if info.MAC == "" {
			if v, ok := m["MAC"].(string); ok {
				info.MAC = strings.ToUpper(strings.TrimSpace(v))
			}
		}
	}
}

func applySummary(info *miner.Info, raw string) {
	for _, m := range sections(raw, "SUMMARY") {
		if v, ok := m["Elapsed"]; ok {
			info.UptimeS = toU64(v)
		}
		// Avalon reports GHS natively; older builds fall back to MHS keys.
		switch {
		case m["GHS 5s"] != nil:
			info.HashrateGHS = toF64(m["GHS 5s"])
		case m["GHS av"] != nil:
			info.HashrateGHS = toF64(m["GHS av"])
		case m["MHS 5s"] != nil:
			info.HashrateGHS = toF64(m["MHS 5s"]) / 1e3
		case m["MHS av"] != nil:
			info.HashrateGHS = toF64(m["MHS av"]) / 1e3
		}
		if v, ok := m["Accepted"]; ok {
			info.SharesAccepted = toU64(v)
		}
		if v, ok := m["Rejected"]; ok {
			info.SharesRejected = toU64(v)
		}
	}
}

func applyPools(info *miner.Info, raw string) {
	for _, p := range sections(raw, "POOLS") {
		if status, ok := p["Status"].(string); ok && !strings.EqualFold(status, "Alive") {
			continue
		}
		if u, ok := p["URL"].(string); ok && strings.TrimSpace(u) != "" {
			info.PoolURL = strings.TrimSpace(u)
		}
		if u, ok := p["User"].(string); ok && strings.TrimSpace(u) != "" {
			info.PoolUser = strings.TrimSpace(u)
		}
		if info.PoolURL != "" {
			return
		}
	}
}

func applyEStats(info *miner.Info, raw string) {
	for _, m := range sections(raw, "STATS") {
		for k, v := range m {
			s, ok := v.(string)
			if !ok || !strings.HasPrefix(k, "MM ID") {
				continue
			}
			fields := parseMM(s)
			if info.TempC == 0 {
				if t, ok := fields["TMax"]; ok {
					info.TempC = toF64(t)
				} else if t, ok := fields["Temp"]; ok {
					info.TempC = toF64(t)
				}
			}
			if info.FanRPM == 0 {
				for _, fk := range []string{"Fan1", "Fan", "FanR"} {
					if f, ok := fields[fk]; ok {
						if rpm := int(toU64(f)); rpm > 0 {
							info.FanRPM = rpm
							break
						}
					}
				}
			}
			if info.HashrateGHS == 0 {
				if g, ok := fields["GHSmm"]; ok {
					info.HashrateGHS = toF64(g)
				}
			}
			if info.PowerW == 0 {
				if ps, ok := fields["PS"]; ok {
					info.PowerW = psWatts(ps)
				}
			}
			if info.FrequencyMHz == 0 {
				if f, ok := fields["Freq"]; ok {
					info.FrequencyMHz = toF64(f)
				}
			}
			if info.Hostname == "" {
				if h, ok := fields["HOSTNAME"]; ok {
					info.Hostname = h
				}
			}
			if info.UniqueID == "" {
				if d, ok := fields["DNA"]; ok && d != "" {
					info.UniqueID = "avalon-" + strings.ToLower(d)
				}
			}
		}
	}
}

func parseMM(s string) map[string]string {
	out := map[string]string{}
	for _, m := range mmField.FindAllStringSubmatch(s, -1) {
		out[m[1]] = strings.TrimSpace(m[2])
	}
	return out
}

// psWatts pulls wall power from the PS field "ErrCode MVolt Amp Watt ...": the
// fourth value is watts on current MM firmware; tolerate shorter vectors.
func psWatts(ps string) float64 {
	parts := strings.Fields(ps)
	if len(parts) >= 4 {
		if w, err := strconv.ParseFloat(parts[3], 64); err == nil && w > 0 {
			return w
		}
	}
	return 0
}

func toU64(v any) uint64 {
	switch x := v.(type) {
	case float64:
		if x < 0 {
			return 0
		}
		return uint64(x)
	case string:
		var out uint64
		_, _ = fmt.Sscanf(strings.TrimSpace(x), "%d", &out)
		return out
	default:
		return 0
	}
}

func toF64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		var out float64
		_, _ = fmt.Sscanf(strings.TrimSpace(x), "%f", &out)
		return out
	default:
		return 0
	}
}

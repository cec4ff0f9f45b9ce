package modelnorm

import (
	"regexp"
	"strings"
)

type Normalized struct {
	Family string // bitaxe/nerdqaxe/avalon/unknown
	Model  string // display
	Key    string // stable key for filtering/grouping
}

var ws = regexp.MustCompile(`\s+`)

// axeChips maps AxeOS-reported ASIC chip names to the BitAxe family name.
// Firmware often reports only the chip ("BM1366"), not the board marketing name.
var axeChips = map[string]string{
	"BM1397": "BitAxe Max",
	"BM1366": "BitAxe Ultra",
	"BM1368": "BitAxe Supra",
	"BM1370": "BitAxe Gamma",
}

func Normalize(raw string) Normalized {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Normalized{Family: "unknown", Model: "", Key: ""}
	}
	up := strings.ToUpper(s)
	up = strings.ReplaceAll(up, "_", " ")
	up = ws.ReplaceAllString(up, " ")

	n := Normalized{Family: "unknown"}

	switch {
	case strings.Contains(up, "NERDQAXE") || strings.Contains(up, "NERDAXE") || strings.Contains(up, "NERDOCTAXE"):
		n.Family = "nerdqaxe"
		model := strings.TrimSpace(s)
		if !strings.HasPrefix(strings.ToUpper(model), "NERD") {
			model = "NerdQAxe " + model
		}
		n.Model = model

	case strings.Contains(up, "BITAXE"):
		n.Family = "bitaxe"
		model := strings.TrimSpace(s)
		// Prefer chip mapping when the string is just "Bitaxe BM1368" style.
		for chip, fam := range axeChips {
			if strings.Contains(up, chip) {
				model = fam
				break
			}
		}
		n.Model = model

	case strings.HasPrefix(up, "BM") && len(up) >= 6:
		// bare chip string from AxeOS ASICModel
		if fam, ok := axeChips[strings.Fields(up)[0]]; ok {
			n.Family = "bitaxe"
			n.Model = fam
		} else {
			n.Family = "bitaxe"
			n.Model = "BitAxe (" + strings.TrimSpace(s) + ")"
		}

	case strings.Contains(up, "AVALON") || strings.Contains(up, "CANAAN"):
		n.Family = "avalon"
		model := strings.TrimSpace(s)
		if !strings.Contains(strings.ToUpper(model), "AVALON") {
			model = "Avalon " + model
		}
		n.Model = model

	case strings.HasPrefix(up, "A") && len(up) >= 3 && up[1] >= '0' && up[1] <= '9':
		// Canaan model codes: A1126, A1346, ...
		n.Family = "avalon"
		n.Model = "Avalon " + strings.TrimSpace(up)
	}

	if n.Model == "" {
		n.Model = strings.TrimSpace(s)
	}
	n.Key = strings.ToUpper(ws.ReplaceAllString(strings.ReplaceAll(n.Model, "_", " "), " "))
	return n
}

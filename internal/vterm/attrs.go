package vterm

import "strings"

// Attrs is the set of SGR-representable cell attributes this package
// tracks for diffing purposes. FG and BG hold the raw SGR color parameter
// (e.g. "31", "38;5;200") and are empty for the default color.
type Attrs struct {
	Bold      bool
	Dim       bool
	Italic    bool
	Underline bool
	Blink     bool
	Reverse   bool
	Strike    bool
	Hidden    bool
	FG        string
	BG        string
}

var zeroAttrs = Attrs{}

// diffSGR returns the minimal SGR parameter list that transitions a
// receiver whose active attributes are `active` to `target`. Returns nil
// when no parameters are needed (the idempotent-SGR requirement).
func diffSGR(active, target Attrs) []string {
	if active == target {
		return nil
	}
	var params []string

	// SGR 22 clears bold and dim together, so dropping either one resets
	// both and re-adds whichever the target keeps.
	boldDimReset := (active.Bold && !target.Bold) || (active.Dim && !target.Dim)
	if boldDimReset {
		params = append(params, "22")
	}
	if target.Bold && (boldDimReset || !active.Bold) {
		params = append(params, "1")
	}
	if target.Dim && (boldDimReset || !active.Dim) {
		params = append(params, "2")
	}
	if target.Italic != active.Italic {
		if target.Italic {
			params = append(params, "3")
		} else {
			params = append(params, "23")
		}
	}
	if target.Underline != active.Underline {
		if target.Underline {
			params = append(params, "4")
		} else {
			params = append(params, "24")
		}
	}
	if target.Blink != active.Blink {
		if target.Blink {
			params = append(params, "5")
		} else {
			params = append(params, "25")
		}
	}
	if target.Reverse != active.Reverse {
		if target.Reverse {
			params = append(params, "7")
		} else {
			params = append(params, "27")
		}
	}
	if target.Hidden != active.Hidden {
		if target.Hidden {
			params = append(params, "8")
		} else {
			params = append(params, "28")
		}
	}
	if target.Strike != active.Strike {
		if target.Strike {
			params = append(params, "9")
		} else {
			params = append(params, "29")
		}
	}
	if target.FG != active.FG {
		if target.FG == "" {
			params = append(params, "39")
		} else {
			params = append(params, target.FG)
		}
	}
	if target.BG != active.BG {
		if target.BG == "" {
			params = append(params, "49")
		} else {
			params = append(params, target.BG)
		}
	}
	return params
}

// sgrEscape renders params as a single CSI...m sequence, or "" if empty.
func sgrEscape(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return "\x1b[" + strings.Join(params, ";") + "m"
}

// DiffSGR is diffSGR exported for other packages (internal/compositor)
// that need the same minimal-SGR-transition logic over this package's
// Attrs type.
func DiffSGR(active, target Attrs) []string { return diffSGR(active, target) }

// SGREscape is sgrEscape exported for the same reason as DiffSGR.
func SGREscape(params []string) string { return sgrEscape(params) }

// applySGRParam folds one numeric SGR parameter into attrs, matching the
// subset of codes diffSGR emits (plus the common 30-37/40-47/90-97/100-107
// and extended 38;5;n / 38;2;r;g;b / 48;... forms produced by the
// underlying emulator's renderer).
func applySGRParam(attrs *Attrs, param string, extra []string, idx *int) {
	switch param {
	case "", "0":
		*attrs = zeroAttrs
	case "1":
		attrs.Bold = true
	case "2":
		attrs.Dim = true
	case "22":
		attrs.Bold, attrs.Dim = false, false
	case "3":
		attrs.Italic = true
	case "23":
		attrs.Italic = false
	case "4":
		attrs.Underline = true
	case "24":
		attrs.Underline = false
	case "5":
		attrs.Blink = true
	case "25":
		attrs.Blink = false
	case "7":
		attrs.Reverse = true
	case "27":
		attrs.Reverse = false
	case "8":
		attrs.Hidden = true
	case "28":
		attrs.Hidden = false
	case "9":
		attrs.Strike = true
	case "29":
		attrs.Strike = false
	case "39":
		attrs.FG = ""
	case "49":
		attrs.BG = ""
	case "38", "48":
		// Extended color: param;5;n or param;2;r;g;b — consume from extra.
		rest := extra[*idx+1:]
		consumed, code := parseExtendedColor(param, rest)
		*idx += consumed
		if param == "38" {
			attrs.FG = code
		} else {
			attrs.BG = code
		}
	default:
		if n, ok := fgCode(param); ok {
			attrs.FG = n
		} else if n, ok := bgCode(param); ok {
			attrs.BG = n
		}
	}
}

func fgCode(p string) (string, bool) {
	switch {
	case len(p) == 2 && p[0] == '3' && p[1] >= '0' && p[1] <= '7':
		return p, true
	case len(p) == 2 && p[0] == '9' && p[1] >= '0' && p[1] <= '7':
		return p, true
	}
	return "", false
}

func bgCode(p string) (string, bool) {
	switch {
	case len(p) == 2 && p[0] == '4' && p[1] >= '0' && p[1] <= '7':
		return p, true
	case len(p) == 3 && p[:2] == "10":
		return p, true
	}
	return "", false
}

func parseExtendedColor(kind string, rest []string) (consumed int, code string) {
	if len(rest) == 0 {
		return 0, kind
	}
	switch rest[0] {
	case "5":
		if len(rest) >= 2 {
			return 2, kind + ";5;" + rest[1]
		}
	case "2":
		if len(rest) >= 4 {
			return 4, kind + ";2;" + rest[1] + ";" + rest[2] + ";" + rest[3]
		}
	}
	return 0, kind
}

// Package logx is the firmware-wide logger: console output with an
// optional UART mirror and zero-allocation fixed-point helpers for the
// millivolt/millidegree/percent values this firmware moves constantly.
// Grounded on the teacher's main.go Logger type (console print plus a
// best-effort x/shmring.Ring mirror, strconvx-only number formatting, no
// fmt, no buffers, no append), generalized from that one file's private
// type into a reusable package so every core component can share a
// single Logger instance.
package logx

import (
	"bmsfw/x/shmring"
	"bmsfw/x/strconvx"
)

// Logger writes to the console and, if SetMirror has been called, also
// best-effort mirrors every write to a shmring.Ring (typically backing a
// debug UART).
type Logger struct {
	mirror *shmring.Ring
}

var nl = [...]byte{'\n'}

// New returns a console-only Logger. Call SetMirror to add a UART
// mirror once the transport is up.
func New() *Logger {
	return &Logger{}
}

// SetMirror installs (or clears, with nil) the best-effort UART mirror.
func (l *Logger) SetMirror(r *shmring.Ring) { l.mirror = r }

func (l *Logger) writeString(s string) {
	if s == "" {
		return
	}
	print(s)
	if l.mirror != nil {
		_ = l.mirror.TryWriteFrom([]byte(s))
	}
}

func (l *Logger) writeBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	print(string(b))
	if l.mirror != nil {
		_ = l.mirror.TryWriteFrom(b)
	}
}

func (l *Logger) writePart(v any) {
	switch x := v.(type) {
	case string:
		l.writeString(x)
	case []byte:
		l.writeBytes(x)
	case int:
		l.writeString(strconvx.Itoa(x))
	case int32:
		l.writeString(strconvx.Itoa(int(x)))
	case int64:
		l.writeString(strconvx.Itoa(int(x)))
	case uint:
		l.writeString(strconvx.Itoa(int(x)))
	case uint32:
		l.writeString(strconvx.Itoa(int(x)))
	case uint64:
		l.writeString(strconvx.Itoa(int(x)))
	case bool:
		if x {
			l.writeString("true")
		} else {
			l.writeString("false")
		}
	default:
		l.writeString("?")
	}
}

// Print writes each part in sequence with no separators and no trailing
// newline.
func (l *Logger) Print(parts ...any) {
	for i := range parts {
		l.writePart(parts[i])
	}
}

func (l *Logger) newline() {
	print("\n")
	if l.mirror != nil {
		_ = l.mirror.TryWriteFrom(nl[:])
	}
}

// Println is Print followed by a newline.
func (l *Logger) Println(parts ...any) { l.Print(parts...); l.newline() }

// MilliVolts prints a millivolt reading as whole.thousandths volts, e.g.
// label "pack/voltage V=" with mv=48213 prints "pack/voltage V=48.213".
func (l *Logger) MilliVolts(label string, mv int32) {
	if mv < 0 {
		l.Print(label, "-")
		mv = -mv
	} else {
		l.Print(label)
	}
	whole := mv / 1000
	frac := mv % 1000
	l.Print(strconvx.Itoa(int(whole)), ".")
	if frac < 10 {
		l.Print("00")
	} else if frac < 100 {
		l.Print("0")
	}
	l.Println(strconvx.Itoa(int(frac)))
}

// Deci prints a decidegree-style value (tenths) as whole.tenths, e.g.
// label "string/0/temp degC=" with deci=243 prints "string/0/temp degC=24.3".
func (l *Logger) Deci(label string, deci int) {
	if deci < 0 {
		l.Print(label, "-")
		deci = -deci
	} else {
		l.Print(label)
	}
	whole := deci / 10
	frac := deci % 10
	l.Println(strconvx.Itoa(whole), ".", strconvx.Itoa(frac))
}

// Perc prints a hundredths-of-a-percent value (a percentage scaled by
// 100) as whole.hundredths, e.g. label "string/0/soc %=" with
// hx100=8734 prints "string/0/soc %=87.34".
func (l *Logger) Perc(label string, hx100 int) {
	if hx100 < 0 {
		hx100 = 0
	}
	whole := hx100 / 100
	frac := hx100 % 100
	if frac < 10 {
		l.Println(label, strconvx.Itoa(whole), ".0", strconvx.Itoa(frac))
	} else {
		l.Println(label, strconvx.Itoa(whole), ".", strconvx.Itoa(frac))
	}
}

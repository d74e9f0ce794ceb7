package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	colorRed         = 31
	colorGreen       = 32
	colorYellow      = 33
	colorBlue        = 36
	colorGray        = 37
	colorLightGreen  = 92
	colorLightYellow = 93
	colorCyan        = 96
)

// ModFormatter writes colored key=value lines. Fields are sorted, with
// ticket_id first when present, and the message always goes last.
type ModFormatter struct {
	// NoColor strips escape sequences, e.g. when logs go to a file.
	NoColor bool
}

func (f *ModFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder

	b.WriteString(f.pair("level", f.paint(levelColor(entry.Level), strings.ToUpper(entry.Level.String())[:4])))
	b.WriteString(" ")
	b.WriteString(f.pair("ts", f.paint(colorLightYellow, entry.Time.Format("2006-01-02 15:04:05.000"))))
	if entry.HasCaller() {
		b.WriteString(" ")
		b.WriteString(f.pair("source", f.paint(colorLightYellow, fmt.Sprintf("%s:%d", entry.Caller.File, entry.Caller.Line))))
	}

	for _, k := range fieldOrder(entry.Data) {
		m, err := json.Marshal(entry.Data[k])
		if err != nil || len(m) == 0 {
			continue
		}
		s := string(m)
		valueColor := colorCyan
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			valueColor = colorGreen
		} else if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
			valueColor = colorLightYellow
		}
		b.WriteString(" ")
		b.WriteString(f.pair(k, f.paint(valueColor, s)))
	}

	b.WriteString(" ")
	b.WriteString(f.pair("msg", f.paint(colorLightGreen, strconv.Quote(entry.Message))))

	out := strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(b.String())
	return []byte(out + "\n"), nil
}

func (f *ModFormatter) pair(key, value string) string {
	return f.paint(colorCyan, key) + "=" + value
}

func (f *ModFormatter) paint(color int, s string) string {
	if f.NoColor {
		return s
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", color, s)
}

func levelColor(level log.Level) int {
	switch level {
	case log.DebugLevel, log.TraceLevel:
		return colorGray
	case log.WarnLevel:
		return colorYellow
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		return colorRed
	}
	return colorBlue
}

func fieldOrder(data log.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == "ticket_id":
			return -1
		case b == "ticket_id":
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}

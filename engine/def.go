package engine

import (
	"os"
	"strings"
)

// Detector lifecycle states.
const (
	Unregistered = 0x0001
	Registered   = 0x0002
	Idle         = 0x0003
	Busy         = 0x0004
)

const defaultInputSize = 640

// NamesConf carries the class-name list either inline or as a file path.
type NamesConf struct {
	IsFile bool
	Data   any
}

// ReadNamesFile loads one class name per line. CRLF endings and blank
// lines are tolerated.
func ReadNamesFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var names []string
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

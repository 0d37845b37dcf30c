// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefsymPrefix is the assembler flag used to define a symbol in the kernel compile options.
const DefsymPrefix = "-Wa,-defsym,"

// AppendDefsym appends to the compile options the definition of the integer symbol name=value.
func AppendDefsym(options string, name string, value int) string {
	var sb strings.Builder
	sb.WriteString(options)
	sb.WriteString(" ")
	sb.WriteString(DefsymPrefix)
	sb.WriteString(name)
	sb.WriteString("=")
	sb.WriteString(strconv.Itoa(value))
	return sb.String()
}

// ParseDefsyms extracts the symbols defined with AppendDefsym from the compile options.
// Other options are ignored. If a symbol is defined more than once, the last definition wins.
func ParseDefsyms(options string) (map[string]int, error) {
	symbols := make(map[string]int)
	for _, field := range strings.Fields(options) {
		if !strings.HasPrefix(field, DefsymPrefix) {
			continue
		}
		definition := strings.TrimPrefix(field, DefsymPrefix)
		name, valueStr, found := strings.Cut(definition, "=")
		if !found || name == "" {
			return nil, errors.Errorf("malformed symbol definition %q in compile options", field)
		}
		value, err := strconv.Atoi(valueStr)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol %q in compile options has a non-integer value", name)
		}
		symbols[name] = value
	}
	return symbols, nil
}

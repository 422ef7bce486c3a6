/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, Node) (interface{}, error)
	store         *reflect.Value

	customCallback func(*Map, Node) error
}

func (m *matcher) assign(val interface{}) {
	valRefl := reflect.ValueOf(val)
	// Convert untyped nil into typed nil. Otherwise it will panic.
	if !valRefl.IsValid() {
		valRefl = reflect.Zero(m.store.Type())
	}

	m.store.Set(valRefl)
}

// Map structure implements reflection-based conversion between configuration
// directives and Go variables.
type Map struct {
	allowUnknown bool

	// All values saved by Map during processing.
	Values map[string]interface{}

	entries map[string]matcher

	// Values used by Process as default values if inheritGlobal is true.
	Globals map[string]interface{}
	// Config block used by Process.
	Block Node
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

// AllowUnknown makes config.Map skip unknown configuration directives instead
// of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func constDefault(val interface{}) func() (interface{}, error) {
	return func() (interface{}, error) { return val, nil }
}

// plainArgs checks that node is not a block and has between min and max
// arguments (max < 0 means unlimited).
func plainArgs(node Node, min, max int) error {
	if len(node.Children) != 0 {
		return NodeErr(node, "can't declare a block here")
	}
	switch {
	case min == max && len(node.Args) != min:
		return NodeErr(node, "expected exactly %d argument(s)", min)
	case len(node.Args) < min:
		return NodeErr(node, "expected at least %d argument(s)", min)
	case max >= 0 && len(node.Args) > max:
		return NodeErr(node, "expected at most %d argument(s)", max)
	}
	return nil
}

// singleArg returns the mapper that passes the only directive argument
// through conv.
func singleArg(conv func(Node, string) (interface{}, error)) func(*Map, Node) (interface{}, error) {
	return func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 1, 1); err != nil {
			return nil, err
		}
		return conv(node, node.Args[0])
	}
}

// EnumList maps a configuration directive to a []string variable.
//
// Directive must be in form 'name string1 string2' where each string should be from *allowed*
// slice. At least one argument should be present.
//
// See Map.Custom for description of inheritGlobal and required.
func (m *Map) EnumList(name string, inheritGlobal, required bool, allowed, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 1, -1); err != nil {
			return nil, err
		}
		for _, arg := range node.Args {
			if !contains(allowed, arg) {
				return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
			}
		}
		return node.Args, nil
	}, store)
}

// Enum maps a configuration directive to a string variable.
//
// Directive must be in form 'name string' where string should be from *allowed*
// slice. That string argument will be stored in store variable.
//
// See Map.Custom for description of inheritGlobal and required.
func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), singleArg(func(node Node, arg string) (interface{}, error) {
		if !contains(allowed, arg) {
			return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
		}
		return arg, nil
	}), store)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// EnumMapped is similar to Map.Enum but maps a string to a custom type.
func EnumMapped[V any](m *Map, name string, inheritGlobal, required bool, mapped map[string]V, defaultVal V, store *V) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), singleArg(func(node Node, arg string) (interface{}, error) {
		val, ok := mapped[arg]
		if !ok {
			validValues := make([]string, 0, len(mapped))
			for k := range mapped {
				validValues = append(validValues, k)
			}
			return nil, NodeErr(node, "invalid argument, valid values are: %v", validValues)
		}
		return val, nil
	}), store)
}

// Duration maps configuration directive to a time.Duration variable.
//
// Directive must be in form 'name duration' where duration is any string accepted by
// time.ParseDuration. As an additional requirement, result of time.ParseDuration must not
// be negative.
//
// Multiple arguments are joined without separators. E.g. 'name 1h 2m' is
// parsed as '1h2m'.
//
// See Map.Custom for description of arguments.
func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 1, -1); err != nil {
			return nil, err
		}

		dur, err := time.ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		if dur < 0 {
			return nil, NodeErr(node, "duration must not be negative")
		}
		return dur, nil
	}, store)
}

// ParseDataSize parses strings like "1M 512K" into the number of bytes.
// Recognized suffixes are G, M, K and B.
func ParseDataSize(s string) (int, error) {
	if len(s) == 0 {
		return 0, errors.New("missing a number")
	}

	var total int
	for _, part := range strings.Fields(s) {
		digits := strings.IndexFunc(part, func(r rune) bool { return !unicode.IsDigit(r) })
		if digits == -1 {
			digits = len(part)
		}
		num, err := strconv.Atoi(part[:digits])
		if err != nil {
			return 0, err
		}
		suffix := part[digits:]
		if strings.IndexFunc(suffix, unicode.IsDigit) != -1 {
			return 0, errors.New("unexpected digit after a suffix")
		}

		switch suffix {
		case "G":
			total += num * 1024 * 1024 * 1024
		case "M":
			total += num * 1024 * 1024
		case "K":
			total += num * 1024
		case "B", "b":
			total += num
		default:
			if num != 0 {
				return 0, errors.New("unknown unit suffix: " + suffix)
			}
		}
	}

	return total, nil
}

// DataSize maps configuration directive to a int64 variable, representing
// data size.
//
// Syntax requires unit suffix to be added to the end of string to specify
// data unit and allows multiple arguments (they will be added together).
//
// See Map.Custom for description of arguments.
func (m *Map) DataSize(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 1, -1); err != nil {
			return nil, err
		}

		size, err := ParseDataSize(strings.Join(node.Args, " "))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return int64(size), nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps presence of some configuration directive to a boolean variable.
// Additionally, 'name yes' and 'name no' are mapped to true and false
// correspondingly.
func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.Custom(name, inheritGlobal, false, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 0, 1); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return true, nil
		}

		b, err := ParseBool(node.Args[0])
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return b, nil
	}, store)
}

// StringList maps configuration directive with the specified name to variable
// referenced by 'store' pointer.
//
// Configuration directive must be in form 'name arbitrary_string arbitrary_string ...'
// Where at least one argument must be present.
func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := plainArgs(node, 1, -1); err != nil {
			return nil, err
		}
		return node.Args, nil
	}, store)
}

// String maps configuration directive with the specified name to variable
// referenced by 'store' pointer.
//
// Configuration directive must be in form 'name arbitrary_string'.
func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), singleArg(func(_ Node, arg string) (interface{}, error) {
		return arg, nil
	}), store)
}

// Int maps configuration directive with the specified name to variable
// referenced by 'store' pointer.
//
// Configuration directive must be in form 'name 123'.
func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), singleArg(func(node Node, arg string) (interface{}, error) {
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}), store)
}

// Int64 is the int64 version of Map.Int.
func (m *Map) Int64(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), singleArg(func(node Node, arg string) (interface{}, error) {
		i, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}), store)
}

// Custom maps configuration directive with the specified name to variable
// referenced by 'store' pointer.
//
// If inheritGlobal is true - Map will try to use a value from globalCfg if
// none is set in a processed configuration block.
//
// If required is true - Map will fail if no value is set in the configuration,
// both global (if inheritGlobal is true) and in the processed block.
//
// defaultVal is a factory function that should return the default value for
// the variable. It will be used if no value is set in the config. It can be
// nil if required is true.
//
// mapper is a function that should convert configuration directive arguments
// into variable value.  Both functions may fail with errors, configuration
// processing will stop immediately then.
//
// store is where the value returned by mapper should be stored. Can be nil
// (value will be saved only in Map.Values).
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("Map.Custom: duplicate matcher")
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("Map.Custom: store argument must be settable (a pointer)")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		required:      required,
		defaultVal:    defaultVal,
		mapper:        mapper,
		store:         target,
	}
}

// Callback creates mapping that will call mapper() function for each
// directive with the specified name. No further processing is done.
//
// It is intended to permit multiple independent values of directive with
// implementation-defined handling.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("Map.Callback: duplicate matcher")
	}

	m.entries[name] = matcher{
		name:           name,
		customCallback: mapper,
	}
}

// Process maps variables from global configuration and block passed in NewMap.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Globals, m.Block)
}

// ProcessWith maps variables from global configuration and block passed in
// arguments.
func (m *Map) ProcessWith(globalCfg map[string]interface{}, block Node) (unknown []Node, err error) {
	unknown = make([]Node, 0, len(block.Children))
	matched := make(map[string]bool)
	m.Values = make(map[string]interface{})

	for _, subnode := range block.Children {
		matcher, ok := m.entries[subnode.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(subnode, "unexpected directive: %s", subnode.Name)
			}
			unknown = append(unknown, subnode)
			continue
		}

		if matcher.customCallback != nil {
			if err := matcher.customCallback(m, subnode); err != nil {
				return nil, err
			}
			matched[subnode.Name] = true
			continue
		}

		if matched[subnode.Name] {
			return nil, NodeErr(subnode, "duplicate directive: %s", subnode.Name)
		}
		matched[subnode.Name] = true

		val, err := matcher.mapper(m, subnode)
		if err != nil {
			return nil, err
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	for _, matcher := range m.entries {
		if matched[matcher.name] || matcher.mapper == nil {
			continue
		}

		var val interface{}
		globalVal, ok := globalCfg[matcher.name]
		switch {
		case matcher.inheritGlobal && ok:
			val = globalVal
		case !matcher.required:
			if matcher.defaultVal == nil {
				continue
			}
			val, err = matcher.defaultVal()
			if err != nil {
				return nil, err
			}
		default:
			return nil, NodeErr(block, "missing required directive: %s", matcher.name)
		}

		// Zero values are not put into Values so that blocks inheriting
		// from the global Map still fail on missing required directives.
		if valT := reflect.TypeOf(val); valT != nil && !reflect.DeepEqual(val, reflect.Zero(valT).Interface()) {
			m.Values[matcher.name] = val
		}
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	return unknown, nil
}

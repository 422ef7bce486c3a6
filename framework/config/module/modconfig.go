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

// Package modconfig provides matchers for config.Map that create module
// instances from inline configuration blocks.
//
// A collaborator reference looks like this:
//
//	counters redis:
//	  addr: 127.0.0.1:6379
//
// The first argument is the driver name. It is looked up in the module
// registry under kind + "." + driver ("counters.redis"), then under the
// plain driver name.
package modconfig

import (
	"fmt"
	"io"
	"reflect"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

func createInlineModule(kind, driver string, args []string) (module.Module, error) {
	modName := kind + "." + driver
	newMod := module.Get(modName)
	if newMod == nil {
		modName = driver
		newMod = module.Get(driver)
	}
	if newMod == nil {
		return nil, fmt.Errorf("unknown %s driver: %s", kind, driver)
	}

	return newMod(modName, "", args)
}

func initInlineModule(modObj module.Module, globals map[string]interface{}, block config.Node) error {
	if err := modObj.Init(config.NewMap(globals, block)); err != nil {
		return err
	}

	if closer, ok := modObj.(io.Closer); ok {
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s (%s)", modObj.Name(), modObj.InstanceName())
			if err := closer.Close(); err != nil {
				log.Printf("module %s (%s) close failed: %v", modObj.Name(), modObj.InstanceName(), err)
			}
		})
	}

	return nil
}

// ModuleFromNode creates and initializes the module described by node and
// stores it into moduleIface.
//
// moduleIface must be a pointer to an interface (or a concrete module type).
// An error is returned if the created module does not implement it.
// ModuleFromNode panics if moduleIface is not a pointer.
func ModuleFromNode(kind string, node config.Node, globals map[string]interface{}, moduleIface interface{}) error {
	if len(node.Args) == 0 {
		return config.NodeErr(node, "driver name is required")
	}

	log.Debugf("%s:%d: new %s %v", node.File, node.Line, kind, node.Args)
	modObj, err := createInlineModule(kind, node.Args[0], node.Args[1:])
	if err != nil {
		return config.NodeErr(node, "%v", err)
	}

	modIfaceType := reflect.TypeOf(moduleIface).Elem()
	modObjType := reflect.TypeOf(modObj)

	if modIfaceType.Kind() == reflect.Interface {
		if !modObjType.Implements(modIfaceType) {
			return config.NodeErr(node, "%s driver %s doesn't implement %v", kind, modObj.Name(), modIfaceType)
		}
	} else if !modObjType.AssignableTo(modIfaceType) {
		return config.NodeErr(node, "%s driver %s is not %v", kind, modObj.Name(), modIfaceType)
	}

	reflect.ValueOf(moduleIface).Elem().Set(reflect.ValueOf(modObj))

	return initInlineModule(modObj, globals, node)
}

// Matcher returns a config.Map mapper for use with Map.Custom that
// creates a module of the specified kind. The result has the type of
// *moduleIface.
func Matcher(kind string, moduleIface interface{}) func(*config.Map, config.Node) (interface{}, error) {
	return func(m *config.Map, node config.Node) (interface{}, error) {
		ptr := reflect.New(reflect.TypeOf(moduleIface).Elem())
		if err := ModuleFromNode(kind, node, m.Globals, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}
}

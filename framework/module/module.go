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

// Package module contains modules registry and interfaces implemented
// by modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// The submission policy pipeline does not talk to databases or networks
// directly. Every collaborator (user directory, mailbox storage, audit
// store, rate counters, DKIM keys, event sink) is an interface defined
// here and implemented by a module that is selected in the configuration.
package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/foxcpp/sendpolicy/framework/config"
)

// Module is the interface implemented by all module instances.
//
// Additionally, module can implement io.Closer if it needs to perform clean-up
// on shutdown. If module starts long-lived goroutines - they should be stopped
// *before* Close method returns to ensure graceful shutdown.
type Module interface {
	// Init performs actual initialization of the module.
	//
	// Module can use passed config.Map to read its configuration variables.
	Init(*config.Map) error

	// Name method reports module name.
	//
	// It is used to reference module in the configuration and in logs.
	Name() string

	// InstanceName method reports unique name of this module instance or empty
	// string if module instance is unnamed.
	InstanceName() string
}

// FuncNewModule is function that creates new instance of module with
// specified name. Arguments following the module name in the configuration
// are passed in inlineArgs.
type FuncNewModule func(modName, instName string, inlineArgs []string) (Module, error)

var (
	modules     = make(map[string]FuncNewModule)
	modulesLock sync.RWMutex
)

// Register adds module factory function to global registry.
//
// name must be unique. Register will panic if module with specified name
// already exists in registry.
//
// You probably want to call this function from func init() of module package.
func Register(name string, factory FuncNewModule) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	if _, ok := modules[name]; ok {
		panic("Register: module with specified name is already registered: " + name)
	}

	modules[name] = factory
}

// Get returns module from global registry.
//
// Nil is returned if no module with specified name is registered.
func Get(name string) FuncNewModule {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return modules[name]
}

// Registered returns sorted names of all registered modules.
func Registered() []string {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance is a trivial Module implementation that can be embedded to get
// Name and InstanceName methods.
type Instance struct {
	ModName  string
	InstName string
}

func (i Instance) Name() string {
	return i.ModName
}

func (i Instance) InstanceName() string {
	if i.InstName == "" {
		return i.ModName
	}
	return i.InstName
}

func (i Instance) String() string {
	return fmt.Sprintf("%s/%s", i.Name(), i.InstanceName())
}

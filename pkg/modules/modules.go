// Package modules ships the builtin collectors. Each collector is a
// self-contained module.Module; Builtin returns a registry holding all
// of them, which callers can narrow per scan through the module
// selection list.
package modules

import "github.com/reconforge/reconforge/pkg/module"

// Builtin returns a registry with every builtin collector registered.
func Builtin() *module.Registry {
	reg := module.NewRegistry()
	reg.MustRegister(func() module.Module { return NewDNSResolve() })
	reg.MustRegister(func() module.Module { return NewCrtsh() })
	reg.MustRegister(func() module.Module { return NewTLSCert() })
	reg.MustRegister(func() module.Module { return NewEmailExtract() })
	return reg
}

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

package pipeline

import (
	"github.com/foxcpp/sendpolicy/framework/config"
	modconfig "github.com/foxcpp/sendpolicy/framework/config/module"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/dkim"
	"github.com/foxcpp/sendpolicy/internal/srs"
)

type srsConfig struct {
	codec *srs.Codec
}

func srsDirective(m *config.Map, node config.Node) (interface{}, error) {
	var (
		enable bool
		secret string
		domain string
		maxAge = srs.DefaultMaxAge
	)
	cfg := config.NewMap(m.Globals, node)
	cfg.Bool("enable", false, true, &enable)
	cfg.String("secret", false, false, "", &secret)
	cfg.String("domain", false, false, "", &domain)
	cfg.Duration("max_age", false, false, srs.DefaultMaxAge, &maxAge)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}
	if !enable {
		return srsConfig{}, nil
	}
	if secret == "" || domain == "" {
		return nil, config.NodeErr(node, "secret and domain are required when SRS is enabled")
	}
	codec := srs.New(secret, domain)
	codec.MaxAge = maxAge
	return srsConfig{codec: codec}, nil
}

type dkimConfig struct {
	signTransport bool
	store         module.DKIMStore
	signer        *dkim.Signer
}

func dkimDirective(m *config.Map, node config.Node) (interface{}, error) {
	c := dkimConfig{signer: dkim.NewSigner()}
	cfg := config.NewMap(m.Globals, node)
	cfg.Bool("sign_transport_domain", false, false, &c.signTransport)
	cfg.Custom("store", false, true, nil, modconfig.Matcher("dkim", new(module.DKIMStore)), &c.store)
	c.signer.Config(cfg)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}
	return c, nil
}

// defaultModule creates the module as if "kind driver:" with an empty body
// was written in the configuration.
func defaultModule(kind, driver string, globals map[string]interface{}, moduleIface interface{}) func() (interface{}, error) {
	return func() (interface{}, error) {
		node := config.Node{Name: kind, Args: []string{driver}}
		return modconfig.Matcher(kind, moduleIface)(config.NewMap(globals, config.Node{}), node)
	}
}

// Configure builds the pipeline from the top-level configuration block.
// Directives that do not belong to the pipeline are returned for the
// caller to process.
func Configure(globals map[string]interface{}, block config.Node, logger log.Logger) (*Pipeline, []config.Node, error) {
	var (
		c        Collaborators
		opts     Options
		srsCfg   srsConfig
		dkimCfg  dkimConfig
		archConc int
	)

	cfg := config.NewMap(globals, block)
	cfg.AllowUnknown()
	cfg.String("hostname", true, true, "", &opts.Hostname)
	cfg.StringList("interfaces", false, false, []string{AllInterfaces}, &opts.Interfaces)
	cfg.Bool("disable_uploads", false, false, &opts.DisableUploads)
	cfg.Int("archive_concurrency", false, false, 0, &archConc)
	cfg.Custom("srs", false, false, func() (interface{}, error) {
		return srsConfig{}, nil
	}, srsDirective, &srsCfg)
	cfg.Custom("dkim", false, true, nil, dkimDirective, &dkimCfg)

	cfg.Custom("directory", false, true, nil,
		modconfig.Matcher("directory", new(module.Directory)), &c.Directory)
	cfg.Custom("message_store", false, true, nil,
		modconfig.Matcher("message_store", new(module.MessageStore)), &c.Messages)
	cfg.Custom("audit_store", false, true, nil,
		modconfig.Matcher("audit_store", new(module.AuditStore)), &c.Audits)
	cfg.Custom("blob", false, true, nil,
		modconfig.Matcher("blob", new(module.BlobStore)), &c.Blobs)
	cfg.Custom("counters", false, false,
		defaultModule("counters", "memory", globals, new(module.CounterStore)),
		modconfig.Matcher("counters", new(module.CounterStore)), &c.Counters)
	cfg.Custom("events", false, false,
		defaultModule("events", "log", globals, new(module.EventSink)),
		modconfig.Matcher("events", new(module.EventSink)), &c.Events)

	unknown, err := cfg.Process()
	if err != nil {
		return nil, nil, err
	}

	opts.SRS = srsCfg.codec
	opts.SignTransportDomain = dkimCfg.signTransport
	opts.Signer = dkimCfg.signer
	opts.ArchiveConcurrency = int64(archConc)
	c.DKIM = dkimCfg.store

	return New(c, opts, logger), unknown, nil
}

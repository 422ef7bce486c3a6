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

// Package pipeline wires the submission policy stages into the hook points
// called by the SMTP endpoint and the outbound relay.
//
// Lifecycle order for one message:
//
//	Auth -> Headers -> Rcpt (per recipient) -> Queued
//	     -> DeliveryHeaders -> DeliveryConnect (per attempt) -> LogEntry
package pipeline

import (
	"context"

	"github.com/foxcpp/sendpolicy/framework/future"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/archive"
	"github.com/foxcpp/sendpolicy/internal/authgate"
	"github.com/foxcpp/sendpolicy/internal/dkim"
	"github.com/foxcpp/sendpolicy/internal/identity"
	"github.com/foxcpp/sendpolicy/internal/limits"
	"github.com/foxcpp/sendpolicy/internal/logevents"
	"github.com/foxcpp/sendpolicy/internal/msgcrypt"
	"github.com/foxcpp/sendpolicy/internal/msgparse"
	"github.com/foxcpp/sendpolicy/internal/rewrite"
	"github.com/foxcpp/sendpolicy/internal/srs"
)

// AllInterfaces in the interface list puts every interface in scope.
const AllInterfaces = "all"

// Collaborators are the external services used by the stages.
type Collaborators struct {
	Directory module.Directory
	Counters  module.CounterStore
	Messages  module.MessageStore
	Audits    module.AuditStore
	Blobs     module.BlobStore
	Events    module.EventSink
	DKIM      module.DKIMStore
}

type Options struct {
	Hostname string
	// Interfaces lists interface names the envelope stages apply to. Empty
	// list or AllInterfaces means all of them.
	Interfaces     []string
	DisableUploads bool

	// SRS is nil if sender rewriting is disabled.
	SRS                 *srs.Codec
	SignTransportDomain bool
	// Signer is used by the relay to sign with the keys selected in
	// DeliveryConnect. NewSigner defaults are used if nil.
	Signer *dkim.Signer

	ArchiveConcurrency int64
}

type Pipeline struct {
	Hostname   string
	Interfaces []string
	Blobs      module.BlobStore
	Signer     *dkim.Signer

	Gate       *authgate.Gate
	Identity   *identity.Resolver
	Rewriter   *rewrite.Rewriter
	Admission  *limits.Admission
	Archiver   *archive.Archiver
	SRS        *srs.Rewriter
	DKIM       *dkim.Selector
	Normalizer *logevents.Normalizer

	Log log.Logger
}

func New(c Collaborators, opts Options, logger log.Logger) *Pipeline {
	named := func(name string) log.Logger {
		l := logger
		l.Name = name
		return l
	}

	ident := identity.New(c.Directory, named("identity"))

	arch := archive.New(ident, opts.ArchiveConcurrency, named("archive"))
	arch.Messages = c.Messages
	arch.Audits = c.Audits
	arch.Blobs = c.Blobs
	arch.Encrypter = msgcrypt.Encrypter{}
	arch.Parser = msgparse.Parser{}
	arch.Hostname = opts.Hostname
	arch.DisableUploads = opts.DisableUploads

	signer := opts.Signer
	if signer == nil {
		signer = dkim.NewSigner()
	}

	return &Pipeline{
		Hostname:   opts.Hostname,
		Interfaces: opts.Interfaces,
		Blobs:      c.Blobs,
		Signer:     signer,

		Gate:       authgate.New(c.Directory, c.Events, named("authgate")),
		Identity:   ident,
		Rewriter:   rewrite.New(ident, c.Events, named("rewrite")),
		Admission:  limits.New(ident, c.Counters, c.Events, named("limits")),
		Archiver:   arch,
		SRS:        srs.NewRewriter(opts.SRS, named("srs")),
		DKIM:       dkim.NewSelector(c.DKIM, opts.SignTransportDomain, named("dkim")),
		Normalizer: logevents.NewNormalizer(c.Events, arch, named("logevents")),

		Log: logger,
	}
}

// InScope reports whether the envelope stages apply to the interface.
func (p *Pipeline) InScope(iface string) bool {
	if len(p.Interfaces) == 0 {
		return true
	}
	for _, name := range p.Interfaces {
		if name == AllInterfaces || name == iface {
			return true
		}
	}
	return false
}

func (p *Pipeline) Auth(ctx context.Context, creds module.Credentials, sess *module.Session) (string, error) {
	return p.Gate.Auth(ctx, creds, sess)
}

func (p *Pipeline) Headers(ctx context.Context, env *module.Envelope) error {
	if !p.InScope(env.Interface) {
		return nil
	}
	return p.Rewriter.Headers(ctx, env)
}

func (p *Pipeline) Rcpt(ctx context.Context, env *module.Envelope, rcpt string) error {
	if !p.InScope(env.Interface) {
		return nil
	}
	return p.Admission.Rcpt(ctx, env, rcpt)
}

// Queued schedules archiving and returns at once. The future resolves to
// archive.Result when archiving finishes and is already resolved for
// out-of-scope interfaces.
func (p *Pipeline) Queued(ctx context.Context, env *module.Envelope) *future.Future {
	if !p.InScope(env.Interface) {
		return future.Resolved(archive.Result{}, nil)
	}
	return p.Archiver.Queued(ctx, env)
}

func (p *Pipeline) DeliveryHeaders(ctx context.Context, d *module.Delivery, info module.ConnectionInfo) error {
	return p.SRS.DeliveryHeaders(ctx, d, info)
}

func (p *Pipeline) DeliveryConnect(ctx context.Context, d *module.Delivery, opts module.ConnectOptions) error {
	return p.DKIM.DeliveryConnect(ctx, d, opts)
}

func (p *Pipeline) LogEntry(ctx context.Context, raw logevents.RawEntry) {
	p.Normalizer.LogEntry(ctx, raw)
}

// Close waits for background archiving to finish.
func (p *Pipeline) Close() error {
	p.Archiver.Wait()
	return nil
}

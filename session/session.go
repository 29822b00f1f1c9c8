// Package session owns the process-wide state for one boot interception
// session: the borrowed configuration and storage handle, the detected
// Darwin version, the architecture-preference state machine, the optional
// kernel digest, and the single active cacheless context. Session is
// created once by the bootstrap and threaded explicitly through every
// intercept call; it carries no mutex because the core runs single-
// threaded and cooperative, per the concurrency model this core assumes.
package session

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
)

// ArchState is the small state machine guarding the architecture
// preference: Unset -> Preferred -> Retried, no further transitions. It
// exists to prevent an infinite re-read loop in the kernel reader.
type ArchState int

const (
	ArchUnset ArchState = iota
	ArchPreferred
	ArchRetried
)

// Buffer is a single-owner byte slice. Take transfers ownership out,
// leaving the Buffer empty, so a double-free shows up immediately as an
// operation on a nil slice rather than silently freeing memory twice.
type Buffer struct {
	bytes []byte
}

// NewBuffer wraps b as an owned Buffer.
func NewBuffer(b []byte) Buffer { return Buffer{bytes: b} }

// Bytes returns the buffer's contents without transferring ownership.
func (b *Buffer) Bytes() []byte { return b.bytes }

// Len reports the buffer size.
func (b *Buffer) Len() int { return len(b.bytes) }

// Take transfers ownership of the underlying bytes to the caller and
// clears the Buffer.
func (b *Buffer) Take() []byte {
	out := b.bytes
	b.bytes = nil
	return out
}

// Free releases the buffer. Safe to call on an already-freed Buffer.
func (b *Buffer) Free() { b.bytes = nil }

// Empty reports whether the buffer currently owns nothing.
func (b *Buffer) Empty() bool { return b.bytes == nil }

// CachelessGate tracks whether a cacheless overlay is currently installed.
// Injected-bundle-file and extensions-child classifications only activate
// while the gate is Active.
type CachelessGate struct {
	active bool
	ctx    kernelio.CachelessContext
}

// Active reports whether a cacheless context is currently installed.
func (g *CachelessGate) Active() bool { return g.active }

// Context returns the active cacheless context, or nil if the gate is idle.
func (g *CachelessGate) Context() kernelio.CachelessContext { return g.ctx }

// Open installs ctx and activates the gate, freeing any previous context
// first so at most one cacheless context ever exists at a time.
func (g *CachelessGate) Open(ctx kernelio.CachelessContext) {
	g.active = true
	g.ctx = ctx
}

// Close idles the gate and drops the reference to the previous context.
// The caller is responsible for any underlying teardown of ctx before
// calling Close.
func (g *CachelessGate) Close() {
	g.active = false
	g.ctx = nil
}

// Session is the lifetime-of-one-boot-session global state.
type Session struct {
	ID      uuid.UUID
	Log     *logrus.Entry
	Config  config.Config
	Storage kernelio.StorageReader
	CPU     kernelio.CPUInfo

	osVersion uint32
	archPref  kernelio.Arch
	archState ArchState

	digest []byte

	Cacheless CachelessGate
}

// New creates a Session for one boot, with the architecture preference
// seeded from the compile-time target (archPref) and the state machine at
// ArchUnset until the kernel reader consults it.
func New(cfg config.Config, storage kernelio.StorageReader, cpu kernelio.CPUInfo, archPref kernelio.Arch, log *logrus.Logger) *Session {
	id := uuid.New()
	if log == nil {
		log = logrus.New()
	}
	return &Session{
		ID:        id,
		Log:       log.WithField("session", id.String()),
		Config:    cfg,
		Storage:   storage,
		CPU:       cpu,
		archPref:  archPref,
		archState: ArchUnset,
	}
}

// OSVersion returns the detected Darwin version, 0 if none yet.
func (s *Session) OSVersion() uint32 { return s.osVersion }

// RecordOSVersion enforces the monotonic-version invariant: a version
// lower than the one already recorded is rejected with InvalidCache and
// the session's recorded version is left untouched.
func (s *Session) RecordOSVersion(v uint32) error {
	if v < s.osVersion {
		return kernelerr.New(kernelerr.InvalidCache, "session.RecordOSVersion", "")
	}
	s.osVersion = v
	return nil
}

// ArchPreference returns the current architecture preference and state.
func (s *Session) ArchPreference() (kernelio.Arch, ArchState) {
	return s.archPref, s.archState
}

// PreferArch moves Unset -> Preferred. It is a no-op once the state has
// advanced past Unset, since the state machine only ever moves forward.
func (s *Session) PreferArch(a kernelio.Arch) {
	if s.archState == ArchUnset {
		s.archPref = a
		s.archState = ArchPreferred
	}
}

// RetryArch moves Preferred -> Retried, changing the preference for the
// single permitted re-read. Calling it from any other state is a no-op,
// matching the "no further transitions" rule.
func (s *Session) RetryArch(a kernelio.Arch) bool {
	if s.archState == ArchPreferred {
		s.archPref = a
		s.archState = ArchRetried
		return true
	}
	return false
}

// CanRetry reports whether one more architecture re-read is still allowed.
func (s *Session) CanRetry() bool { return s.archState == ArchPreferred }

// RewindArch restores a previously observed (preference, state) pair,
// undoing a PreferArch/RetryArch advance whose re-read ultimately failed.
// Unlike PreferArch/RetryArch this is not gated by the current state: the
// caller is expected to have captured the pair from ArchPreference before
// attempting the retry it is now unwinding.
func (s *Session) RewindArch(pref kernelio.Arch, state ArchState) {
	s.archPref = pref
	s.archState = state
}

// RewindOSVersion restores a previously recorded Darwin version, undoing a
// RecordOSVersion whose read ultimately failed a later retry step. Unlike
// RecordOSVersion this bypasses the monotonic check, since it restores
// rather than advances the recorded state.
func (s *Session) RewindOSVersion(v uint32) {
	s.osVersion = v
}

// SetDigest stores the most recent kernel SHA-384 and forwards it to sink,
// but only when the configured secure-boot model requires it.
func (s *Session) SetDigest(digest []byte, sink kernelio.DigestSink) {
	if !s.Config.Misc.Security.DigestRequired() {
		return
	}
	s.digest = digest
	if sink != nil {
		sink.SetKernelDigest(digest)
	}
}

// Digest returns the most recently captured kernel digest, nil if none.
func (s *Session) Digest() []byte { return s.digest }

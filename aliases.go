package posthorn

import (
	"bytes"

	"github.com/posthorn/posthorn/internal/gomessage"
	"github.com/posthorn/posthorn/internal/memstorage"
	"github.com/posthorn/posthorn/internal/model"
)

// These aliases re-export the core data model from internal/model so
// embedders never need to import an internal package directly.
type (
	Mailbox                  = model.Mailbox
	Message                  = model.Message
	Storage                  = model.Storage
	Config                   = model.Config
	DeliveryConfig           = model.DeliveryConfig
	RelayConfig              = model.RelayConfig
	RelayAuth                = model.RelayAuth
	RemoteConfig             = model.RemoteConfig
	ResolverSetup            = model.ResolverSetup
	SpecificResolver         = model.SpecificResolver
	ResolverKind             = model.ResolverKind
	DeliveryResult           = model.DeliveryResult
	MessageStatus            = model.MessageStatus
	RecipientStatus          = model.RecipientStatus
	InternalMessageStatus    = model.InternalMessageStatus
	InternalRecipientStatus  = model.InternalRecipientStatus
	PreparedEmail            = model.PreparedEmail
	WorkerStatus             = model.WorkerStatus
	MetricsRecorder          = model.MetricsRecorder
	Error                    = model.Error
)

const (
	ResolverSystemConf = model.ResolverSystemConf
	ResolverGoogle     = model.ResolverGoogle
	ResolverCloudflare = model.ResolverCloudflare
	ResolverQuad9      = model.ResolverQuad9
	ResolverSpecific   = model.ResolverSpecific

	WorkerOK                     = model.WorkerOK
	WorkerTerminated             = model.WorkerTerminated
	WorkerChannelDisconnected    = model.WorkerChannelDisconnected
	WorkerLockPoisoned           = model.WorkerLockPoisoned
	WorkerStorageWriteFailed     = model.WorkerStorageWriteFailed
	WorkerStorageReadFailed      = model.WorkerStorageReadFailed
	WorkerResolverCreationFailed = model.WorkerResolverCreationFailed
	WorkerUnknown                = model.WorkerUnknown
)

// NewMemoryStorage returns an in-process, non-persistent Storage suitable
// for tests and small single-instance deployments.
func NewMemoryStorage() Storage {
	return memstorage.New()
}

// ParseMessage parses an RFC 5322 message from raw bytes into a Message
// implementation that flattens address groups and supports Message-Id
// assignment, as required by SendEmail.
func ParseMessage(raw []byte) (Message, error) {
	return gomessage.Parse(bytes.NewReader(raw))
}

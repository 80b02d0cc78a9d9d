package syncengine

import (
	"context"

	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/eventlog"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// Conversation loads every locally stored event with peer and folds them
// into the ordered, de-duplicated view the UI renders, per §4.5 and §2's
// "event log & projection folds these records on read" data flow.
func (e *Engine) Conversation(ctx context.Context, peer model.Handle) ([]model.VisibleMessage, error) {
	rows, err := e.Store.ListMessagesByOwnerAndPeer(ctx, e.Identity.OwnerID, peer)
	if err != nil {
		return nil, errs.New(errs.StoreFailed, "syncengine.Conversation", err)
	}

	events := make([]model.MessageRecord, 0, len(rows))
	for id, row := range rows {
		rec, err := e.decryptRecord(row)
		if err != nil {
			log.WithField("message_id", id).WithError(err).Debug("skipping unreadable local record during fold")
			continue
		}
		events = append(events, rec)
	}

	contact, found, err := e.getContact(ctx, peer)
	if err != nil {
		return nil, err
	}

	result := eventlog.Fold(events, e.now(), found && contact.MessageRequest, e.Identity.ReadReceiptsEnabled)

	// Events pulled in bulk via PullVault never pass through process.go's
	// applyKeyRotation, so a key_rotation folded here may be the first
	// time this rotation reaches the directory cache.
	for _, kr := range result.KeyRotations {
		e.Directory.Update(directory.Entry{
			Handle:             kr.Handle,
			Host:               kr.Handle.Host,
			PublicIdentityKey:  contact.PublicIdentityKey,
			PublicTransportKey: kr.NewPublicTransportKey,
			FetchedAt:          e.now(),
		})
	}

	return result.Messages, nil
}

package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/codec"
)

// Bundle
//
//	1 bundle_id            string
//	2 scanner_device_id    string
//	3 facility_scope       repeated string
//	4 facilities           repeated FacilitySnapshot
//	5 snapshot             repeated SnapshotEntry
//	6 bundle_key           bytes
//	7 issued_at_ms         int64
//	8 expires_at_ms        int64
//	9 queued_events        repeated AccessEvent
//
// Permissions inside a SnapshotEntry travel as their deterministic CBOR
// form, the same bytes the integrity hash is computed over.

func MarshalBundle(b *types.OfflineBundle) ([]byte, error) {
	var out []byte
	out = appendString(out, 1, b.BundleID)
	out = appendString(out, 2, b.ScannerDeviceID)
	for _, f := range b.FacilityScope {
		out = appendMessage(out, 3, []byte(f))
	}
	for _, f := range b.Facilities {
		out = appendMessage(out, 4, marshalFacility(f))
	}
	for hash, entry := range b.PermissionSnapshot {
		msg, err := marshalEntry(hash, entry)
		if err != nil {
			return nil, err
		}
		out = appendMessage(out, 5, msg)
	}
	out = appendBytes(out, 6, b.BundleKey)
	out = appendTime(out, 7, b.IssuedAt)
	out = appendTime(out, 8, b.ExpiresAt)
	for _, ev := range b.Queued() {
		out = appendMessage(out, 9, marshalEvent(ev))
	}
	return out, nil
}

func UnmarshalBundle(data []byte) (*types.OfflineBundle, error) {
	b := &types.OfflineBundle{PermissionSnapshot: make(map[string]types.SnapshotEntry)}
	err := each(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, v, &b.BundleID)
		case 2:
			return readString(num, typ, v, &b.ScannerDeviceID)
		case 3:
			var s string
			n, err := readString(num, typ, v, &s)
			b.FacilityScope = append(b.FacilityScope, s)
			return n, err
		case 4:
			msg, n, err := readBytes(num, typ, v)
			if err != nil {
				return 0, err
			}
			f, err := unmarshalFacility(msg)
			if err != nil {
				return 0, err
			}
			b.Facilities = append(b.Facilities, f)
			return n, nil
		case 5:
			msg, n, err := readBytes(num, typ, v)
			if err != nil {
				return 0, err
			}
			hash, entry, err := unmarshalEntry(msg)
			if err != nil {
				return 0, err
			}
			b.PermissionSnapshot[hash] = entry
			return n, nil
		case 6:
			key, n, err := readBytes(num, typ, v)
			b.BundleKey = append([]byte(nil), key...)
			return n, err
		case 7:
			return readTime(num, typ, v, &b.IssuedAt)
		case 8:
			return readTime(num, typ, v, &b.ExpiresAt)
		case 9:
			msg, n, err := readBytes(num, typ, v)
			if err != nil {
				return 0, err
			}
			ev, err := unmarshalEvent(msg)
			if err != nil {
				return 0, err
			}
			b.QueuedEvents = append(b.QueuedEvents, ev)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ── FacilitySnapshot ─────────────────────────────────────────────────────────

func marshalFacility(f types.FacilitySnapshot) []byte {
	var b []byte
	b = appendString(b, 1, f.FacilityID)
	for _, r := range f.AccessRules {
		var rule []byte
		rule = appendString(rule, 1, string(r.Role))
		rule = appendString(rule, 2, string(r.Access))
		b = appendMessage(b, 2, rule)
	}
	b = appendBool(b, 3, f.EmergencyLockdown)
	b = appendBool(b, 4, f.MaintenanceActive)
	return b
}

func unmarshalFacility(data []byte) (types.FacilitySnapshot, error) {
	var f types.FacilitySnapshot
	err := each(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &f.FacilityID)
		case 2:
			msg, n, err := readBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var role, access string
			err = each(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return readString(num, typ, b, &role)
				case 2:
					return readString(num, typ, b, &access)
				}
				return skip, nil
			})
			if err != nil {
				return 0, err
			}
			f.AccessRules = append(f.AccessRules, types.AccessRule{
				Role:   types.AccessLevel(role),
				Access: types.AccessType(access),
			})
			return n, nil
		case 3:
			return readBool(num, typ, b, &f.EmergencyLockdown)
		case 4:
			return readBool(num, typ, b, &f.MaintenanceActive)
		}
		return skip, nil
	})
	return f, err
}

// ── SnapshotEntry ────────────────────────────────────────────────────────────

func marshalEntry(hash string, e types.SnapshotEntry) ([]byte, error) {
	perms, err := codec.Marshal(e.Permissions)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}
	var b []byte
	b = appendString(b, 1, hash)
	b = appendString(b, 2, string(e.AccessLevel))
	b = appendBytes(b, 3, perms)
	return b, nil
}

func unmarshalEntry(data []byte) (string, types.SnapshotEntry, error) {
	var (
		hash, level string
		perms       []byte
	)
	err := each(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &hash)
		case 2:
			return readString(num, typ, b, &level)
		case 3:
			v, n, err := readBytes(num, typ, b)
			perms = v
			return n, err
		}
		return skip, nil
	})
	if err != nil {
		return "", types.SnapshotEntry{}, err
	}
	if hash == "" {
		return "", types.SnapshotEntry{}, fmt.Errorf("%w: snapshot entry without subject hash", ErrMalformed)
	}
	e := types.SnapshotEntry{AccessLevel: types.AccessLevel(level)}
	if len(perms) > 0 {
		if err := codec.Unmarshal(perms, &e.Permissions); err != nil {
			return "", types.SnapshotEntry{}, fmt.Errorf("%w: permissions: %w", ErrMalformed, err)
		}
	}
	return hash, e, nil
}

// ── AccessEvent ──────────────────────────────────────────────────────────────

func marshalEvent(ev types.AccessEvent) []byte {
	var b []byte
	b = appendString(b, 1, ev.ID)
	b = appendString(b, 2, ev.SubjectID)
	b = appendString(b, 3, ev.FacilityID)
	b = appendBool(b, 4, ev.Granted)
	b = appendString(b, 5, string(ev.Reason))
	b = appendTime(b, 6, ev.Timestamp)
	b = appendString(b, 7, ev.ScannerDeviceID)
	b = appendString(b, 8, ev.Location)
	b = appendString(b, 9, ev.SourceCredentialID)
	return b
}

func unmarshalEvent(data []byte) (types.AccessEvent, error) {
	var (
		ev     types.AccessEvent
		reason string
	)
	err := each(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &ev.ID)
		case 2:
			return readString(num, typ, b, &ev.SubjectID)
		case 3:
			return readString(num, typ, b, &ev.FacilityID)
		case 4:
			return readBool(num, typ, b, &ev.Granted)
		case 5:
			return readString(num, typ, b, &reason)
		case 6:
			return readTime(num, typ, b, &ev.Timestamp)
		case 7:
			return readString(num, typ, b, &ev.ScannerDeviceID)
		case 8:
			return readString(num, typ, b, &ev.Location)
		case 9:
			return readString(num, typ, b, &ev.SourceCredentialID)
		}
		return skip, nil
	})
	ev.Reason = types.Reason(reason)
	ev.Origin = types.OriginOfflineSync
	return ev, err
}

// ── Sync ─────────────────────────────────────────────────────────────────────

func MarshalSyncRequest(req types.SyncRequest) []byte {
	var b []byte
	b = appendString(b, 1, req.BundleID)
	b = appendString(b, 2, req.ScannerDeviceID)
	for _, ev := range req.Events {
		b = appendMessage(b, 3, marshalEvent(ev))
	}
	return b
}

func UnmarshalSyncRequest(data []byte) (types.SyncRequest, error) {
	var req types.SyncRequest
	err := each(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &req.BundleID)
		case 2:
			return readString(num, typ, b, &req.ScannerDeviceID)
		case 3:
			msg, n, err := readBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			ev, err := unmarshalEvent(msg)
			if err != nil {
				return 0, err
			}
			req.Events = append(req.Events, ev)
			return n, nil
		}
		return skip, nil
	})
	return req, err
}

func MarshalReconcileResult(r types.ReconcileResult) []byte {
	var b []byte
	b = appendInt(b, 1, int64(r.Accepted))
	b = appendInt(b, 2, int64(r.Duplicates))
	b = appendInt(b, 3, int64(r.Rejected))
	for _, o := range r.Outcomes {
		var msg []byte
		msg = appendInt(msg, 1, int64(o.Index))
		msg = appendString(msg, 2, string(o.State))
		msg = appendString(msg, 3, o.Detail)
		b = appendMessage(b, 4, msg)
	}
	return b
}

func UnmarshalReconcileResult(data []byte) (types.ReconcileResult, error) {
	var r types.ReconcileResult
	err := each(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readInt(num, typ, b, &r.Accepted)
		case 2:
			return readInt(num, typ, b, &r.Duplicates)
		case 3:
			return readInt(num, typ, b, &r.Rejected)
		case 4:
			msg, n, err := readBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var (
				o     types.EventOutcome
				state string
			)
			err = each(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return readInt(num, typ, b, &o.Index)
				case 2:
					return readString(num, typ, b, &state)
				case 3:
					return readString(num, typ, b, &o.Detail)
				}
				return skip, nil
			})
			if err != nil {
				return 0, err
			}
			o.State = types.EventState(state)
			r.Outcomes = append(r.Outcomes, o)
			return n, nil
		}
		return skip, nil
	})
	return r, err
}

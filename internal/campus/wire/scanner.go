package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// ── Access ───────────────────────────────────────────────────────────────────

func UnmarshalAccessRequest(b []byte) (types.AccessRequest, error) {
	var req types.AccessRequest
	err := each(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &req.Code)
		case 2:
			return readString(num, typ, b, &req.FacilityID)
		case 3:
			return readString(num, typ, b, &req.ScannerDeviceID)
		case 4:
			return readString(num, typ, b, &req.Location)
		case 5:
			return readString(num, typ, b, &req.RequestedAt)
		}
		return skip, nil
	})
	return req, err
}

func MarshalAccessRequest(req types.AccessRequest) []byte {
	var b []byte
	b = appendString(b, 1, req.Code)
	b = appendString(b, 2, req.FacilityID)
	b = appendString(b, 3, req.ScannerDeviceID)
	b = appendString(b, 4, req.Location)
	b = appendString(b, 5, req.RequestedAt)
	return b
}

func MarshalAccessResponse(r types.AccessResponse) []byte {
	var b []byte
	b = appendBool(b, 1, r.OK)
	b = appendBool(b, 2, r.Known)
	b = appendBool(b, 3, r.Granted)
	b = appendString(b, 4, string(r.Reason))
	b = appendString(b, 5, r.Message)
	b = appendString(b, 6, r.FacilityID)
	b = appendString(b, 7, r.ServerTime)
	return b
}

func UnmarshalAccessResponse(b []byte) (types.AccessResponse, error) {
	var (
		r      types.AccessResponse
		reason string
	)
	err := each(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readBool(num, typ, b, &r.OK)
		case 2:
			return readBool(num, typ, b, &r.Known)
		case 3:
			return readBool(num, typ, b, &r.Granted)
		case 4:
			return readString(num, typ, b, &reason)
		case 5:
			return readString(num, typ, b, &r.Message)
		case 6:
			return readString(num, typ, b, &r.FacilityID)
		case 7:
			return readString(num, typ, b, &r.ServerTime)
		}
		return skip, nil
	})
	r.Reason = types.Reason(reason)
	return r, err
}

// ── Heartbeat ────────────────────────────────────────────────────────────────

func UnmarshalHeartbeatRequest(b []byte) (types.HeartbeatRequest, error) {
	var req types.HeartbeatRequest
	err := each(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &req.ScannerDeviceID)
		case 2:
			return readString(num, typ, b, &req.FirmwareVersion)
		case 3:
			v, n, err := readVarint(num, typ, b)
			req.UptimeSeconds = v
			return n, err
		case 4:
			return readString(num, typ, b, &req.BundleID)
		case 5:
			return readInt(num, typ, b, &req.QueuedEvents)
		case 6:
			return readString(num, typ, b, &req.IP)
		}
		return skip, nil
	})
	return req, err
}

func MarshalHeartbeatRequest(req types.HeartbeatRequest) []byte {
	var b []byte
	b = appendString(b, 1, req.ScannerDeviceID)
	b = appendString(b, 2, req.FirmwareVersion)
	b = appendInt(b, 3, int64(req.UptimeSeconds))
	b = appendString(b, 4, req.BundleID)
	b = appendInt(b, 5, int64(req.QueuedEvents))
	b = appendString(b, 6, req.IP)
	return b
}

func MarshalHeartbeatResponse(r types.HeartbeatResponse) []byte {
	var b []byte
	b = appendBool(b, 1, r.OK)
	b = appendBool(b, 2, r.Known)
	b = appendString(b, 3, r.ScannerDeviceID)
	b = appendString(b, 4, r.ServerTime)
	return b
}

func UnmarshalHeartbeatResponse(b []byte) (types.HeartbeatResponse, error) {
	var r types.HeartbeatResponse
	err := each(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readBool(num, typ, b, &r.OK)
		case 2:
			return readBool(num, typ, b, &r.Known)
		case 3:
			return readString(num, typ, b, &r.ScannerDeviceID)
		case 4:
			return readString(num, typ, b, &r.ServerTime)
		}
		return skip, nil
	})
	return r, err
}

// ── Bundle request ───────────────────────────────────────────────────────────

func UnmarshalBundleRequest(b []byte) (types.BundleRequest, error) {
	var req types.BundleRequest
	err := each(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(num, typ, b, &req.ScannerDeviceID)
		case 2:
			var f string
			n, err := readString(num, typ, b, &f)
			req.FacilityScope = append(req.FacilityScope, f)
			return n, err
		case 3:
			return readInt(num, typ, b, &req.TTLSeconds)
		}
		return skip, nil
	})
	return req, err
}

func MarshalBundleRequest(req types.BundleRequest) []byte {
	var b []byte
	b = appendString(b, 1, req.ScannerDeviceID)
	for _, f := range req.FacilityScope {
		b = appendMessage(b, 2, []byte(f))
	}
	b = appendInt(b, 3, int64(req.TTLSeconds))
	return b
}

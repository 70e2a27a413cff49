package httpapi

import (
	"errors"
	"io"
	"net/http"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

// maxRequestBody caps the request body size for both protobuf and JSON
// payloads. The largest device message encodes to well under 200 bytes.
const maxRequestBody = 4096

// Field numbers of the access messages on the device wire.
const (
	fieldReqDeviceID = 1
	fieldReqCardUID  = 2

	fieldRespGranted   = 1
	fieldRespMessage   = 2
	fieldRespUserName  = 3
	fieldRespStudentID = 4
	fieldRespStatus    = 5
)

var errBadProto = errors.New("malformed protobuf body")

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload. Controllers send "application/x-protobuf".
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "application/x-protobuf" ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// readAccessRequestProto reads the request body as an encoded
// AccessRequest. Unknown fields are skipped.
func readAccessRequestProto(r *http.Request) (types.AccessRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return types.AccessRequest{}, err
	}
	return decodeAccessRequest(body)
}

func decodeAccessRequest(b []byte) (types.AccessRequest, error) {
	var req types.AccessRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return types.AccessRequest{}, errBadProto
		}
		b = b[n:]

		switch {
		case num == fieldReqDeviceID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return types.AccessRequest{}, errBadProto
			}
			req.DeviceID, b = v, b[m:]
		case num == fieldReqCardUID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return types.AccessRequest{}, errBadProto
			}
			req.CardUID, b = v, b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return types.AccessRequest{}, errBadProto
			}
			b = b[m:]
		}
	}
	return req, nil
}

// encodeAccessResponse omits zero values the way proto3 does.
func encodeAccessResponse(resp types.AccessResponse) []byte {
	var b []byte
	if resp.Access {
		b = protowire.AppendTag(b, fieldRespGranted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, fieldRespMessage, resp.Message)
	b = appendString(b, fieldRespUserName, resp.UserName)
	b = appendString(b, fieldRespStudentID, resp.StudentID)
	b = appendString(b, fieldRespStatus, resp.Status)
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// writeProto writes an encoded message with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

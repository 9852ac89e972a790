// Package executable runs plugins that are standalone programs. A plugin
// process writes newline-terminated records to stdout; each record is an
// output action or the call's terminal result or error:
//
//	%_<version>:<encoding>:<payload>
//
// where encoding is "j" (the payload is a JSON action) or "b" (the JSON is
// standard base64, safe for payloads containing newlines). Lines without the
// "%_" prefix are relayed to the user as plain text.
package executable

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"lodestone/internal/domain"
)

// Protocol versions understood by the host.
const (
	ProtocolVersion    = 1
	MinProtocolVersion = 1
)

// Record encodings.
const (
	EncodingJSON   byte = 'j'
	EncodingBase64 byte = 'b'
)

var recordPrefix = []byte("%_")

// Negotiate picks the protocol version for a plugin that declares declared.
// Zero means the plugin did not say and gets the host's version.
func Negotiate(declared int) (int, error) {
	if declared == 0 {
		return ProtocolVersion, nil
	}
	if declared < MinProtocolVersion {
		return 0, fmt.Errorf("%w: plugin speaks protocol %d, host requires at least %d",
			domain.ErrProtocolMismatch, declared, MinProtocolVersion)
	}
	return min(declared, ProtocolVersion), nil
}

// EncodeAction renders one record line without the trailing newline.
func EncodeAction(version int, a domain.Action, encoding byte) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	line := make([]byte, 0, len(data)+8)
	line = append(line, recordPrefix...)
	line = strconv.AppendInt(line, int64(version), 10)
	line = append(line, ':', encoding, ':')

	switch encoding {
	case EncodingJSON:
		if bytes.IndexByte(data, '\n') >= 0 {
			return nil, fmt.Errorf("encode action: json record contains a newline")
		}
		line = append(line, data...)
	case EncodingBase64:
		line = base64.StdEncoding.AppendEncode(line, data)
	default:
		return nil, fmt.Errorf("encode action: unknown encoding %q", encoding)
	}
	return line, nil
}

// DecodeLine parses one line of plugin output. Records must carry a version
// in [MinProtocolVersion, maxVersion].
func DecodeLine(line []byte, maxVersion int) (domain.Action, error) {
	rest, ok := bytes.CutPrefix(line, recordPrefix)
	if !ok {
		return domain.Action{Kind: domain.ActionText, Text: string(line), Level: domain.LevelImportant}, nil
	}

	rawVersion, rest, ok := bytes.Cut(rest, []byte{':'})
	if !ok {
		return domain.Action{}, fmt.Errorf("%w: record has no version separator", domain.ErrMalformedResult)
	}
	version, err := strconv.Atoi(string(rawVersion))
	if err != nil {
		return domain.Action{}, fmt.Errorf("%w: bad record version %q", domain.ErrMalformedResult, rawVersion)
	}
	if version < MinProtocolVersion || version > maxVersion {
		return domain.Action{}, fmt.Errorf("%w: record version %d outside supported range %d..%d",
			domain.ErrProtocolMismatch, version, MinProtocolVersion, maxVersion)
	}

	if len(rest) < 2 || rest[1] != ':' {
		return domain.Action{}, fmt.Errorf("%w: record has no encoding", domain.ErrMalformedResult)
	}
	encoding, payload := rest[0], rest[2:]

	switch encoding {
	case EncodingJSON:
	case EncodingBase64:
		decoded, err := base64.StdEncoding.AppendDecode(nil, payload)
		if err != nil {
			return domain.Action{}, fmt.Errorf("%w: bad base64 record: %v", domain.ErrMalformedResult, err)
		}
		payload = decoded
	default:
		return domain.Action{}, fmt.Errorf("%w: unknown record encoding %q", domain.ErrMalformedResult, encoding)
	}

	var a domain.Action
	if err := json.Unmarshal(payload, &a); err != nil {
		return domain.Action{}, fmt.Errorf("%w: bad record payload: %v", domain.ErrMalformedResult, err)
	}
	if !a.Valid() {
		return domain.Action{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedResult, a.Kind)
	}
	return a, nil
}

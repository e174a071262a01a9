package checkin

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

const dataURIMarker = "application/json;base64"

// DecodeTokenURI 解析 data:application/json;base64,<payload> 元数据
func DecodeTokenURI(uri string) (map[string]json.RawMessage, error) {
	idx := strings.Index(uri, ",")
	if !strings.Contains(uri, dataURIMarker) || idx < 0 {
		return nil, apperrors.ErrPayloadDecode.WithMessagef("token uri is not a base64 json data uri")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(uri[idx+1:]))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPayloadDecode, err, "base64 decode")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPayloadDecode, err, "json decode")
	}
	return obj, nil
}

// LastCheckInTime 取 lastCheckInTime (秒)，支持数字或数字字符串，null 视为 0
func LastCheckInTime(obj map[string]json.RawMessage) (int64, error) {
	raw, ok := obj["lastCheckInTime"]
	if !ok {
		return 0, apperrors.ErrFieldMissing.WithDetail("field", "lastCheckInTime").
			WithMessagef("metadata has no lastCheckInTime")
	}

	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	var s string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, apperrors.Wrapf(apperrors.ErrPayloadDecode, err, "lastCheckInTime")
		}
		if s == "" {
			return 0, nil
		}
	} else {
		s = string(raw)
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// 部分元数据以浮点数形式输出
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, apperrors.Wrapf(apperrors.ErrPayloadDecode, err, "lastCheckInTime %q", s)
		}
		v = int64(f)
	}
	return v, nil
}

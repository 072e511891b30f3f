// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parser

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedInput is returned when a gateway input is not something
// raw message bytes can be obtained from.
var ErrUnsupportedInput = errors.New("unsupported message input")

// Base64 carries a base64-encoded message, as sent by RPC callers.
type Base64 string

// DecodeInput returns the raw message bytes carried by v. Accepted inputs
// are []byte, string, Base64 and io.Reader.
func DecodeInput(v any) ([]byte, error) {
	switch in := v.(type) {
	case []byte:
		return in, nil
	case string:
		return []byte(in), nil
	case Base64:
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(in)))
		if err != nil {
			return nil, fmt.Errorf("decode base64 message: %w", err)
		}
		return data, nil
	case io.Reader:
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		return data, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedInput)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, v)
	}
}

// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"mellium.im/sasl"
)

// External is the EXTERNAL mechanism defined in RFC 4422 appendix A.
// The initial response is the authorization identity, which is empty unless
// the credentials carry one.
var External = sasl.Mechanism{
	Name: "EXTERNAL",
	Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
		_, _, identity := m.Credentials()
		return false, append([]byte{}, identity...), nil, nil
	},
	Next: func(*sasl.Negotiator, []byte, interface{}) (bool, []byte, interface{}, error) {
		return false, nil, nil, sasl.ErrTooManySteps
	},
}

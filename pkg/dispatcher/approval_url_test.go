// Copyright 2025 Tom Barlow
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

package dispatcher

import (
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// parseApprovalURLForTest extracts the path segments and signature
// query parameters workflow.RequestApproval encodes into its
// approve/reject URLs, so tests can feed them back into
// Dispatcher.ApproveAction/RejectAction without hardcoding the format.
func parseApprovalURLForTest(t *testing.T, raw string) (namespace, tenant, id, sig string, expiresAt int64, kid string) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	require.GreaterOrEqual(t, len(segments), 5)
	namespace, tenant, id = segments[1], segments[2], segments[3]

	q := u.Query()
	sig = q.Get("sig")
	kid = q.Get("kid")
	expiresAt, err = strconv.ParseInt(q.Get("expires_at"), 10, 64)
	require.NoError(t, err)
	return namespace, tenant, id, sig, expiresAt, kid
}

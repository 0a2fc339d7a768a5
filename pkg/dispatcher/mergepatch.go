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

import "encoding/json"

// mergePatch applies an RFC 7396 JSON Merge Patch to target and
// returns the merged document. A patch that isn't a JSON object
// replaces target wholesale, per the RFC; a null value at any key
// deletes that key from the corresponding object; nested objects merge
// recursively, everything else (arrays, scalars) replaces in place.
func mergePatch(target, patch json.RawMessage) (json.RawMessage, error) {
	var patchVal any
	if len(patch) == 0 {
		patch = []byte("null")
	}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, err
	}

	patchObj, ok := patchVal.(map[string]any)
	if !ok {
		return json.Marshal(patchVal)
	}

	var targetVal any
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, err
		}
	}
	targetObj, _ := targetVal.(map[string]any)

	merged := mergeObjects(targetObj, patchObj)
	return json.Marshal(merged)
}

func mergeObjects(target, patch map[string]any) map[string]any {
	out := make(map[string]any, len(target)+len(patch))
	for k, v := range target {
		out[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		if pvObj, ok := pv.(map[string]any); ok {
			tvObj, _ := out[k].(map[string]any)
			out[k] = mergeObjects(tvObj, pvObj)
			continue
		}
		out[k] = pv
	}
	return out
}

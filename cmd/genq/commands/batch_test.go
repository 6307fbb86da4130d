package commands

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/model"
)

func TestDecodeBatchItems(t *testing.T) {
	tests := map[string]struct {
		data      string
		projectID string
		expReqs   []app.SubmitRequest
		expErr    bool
	}{
		"A list of items should decode in order": {
			data: `[
				{"kind": "imagen4", "arguments": {"prompt": "a"}},
				{"kind": "kling_2.1", "arguments": {"prompt": "zoom", "duration": 5}, "metadata": {"scene_id": "s2"}}
			]`,
			expReqs: []app.SubmitRequest{
				{Kind: "imagen4", Arguments: map[string]any{"prompt": "a"}},
				{Kind: "kling_2.1", Arguments: map[string]any{"prompt": "zoom", "duration": 5.0}, Metadata: map[string]any{"scene_id": "s2"}},
			},
		},
		"The project should be set on the items without one": {
			data:      `[{"kind": "imagen4"}, {"kind": "imagen4", "metadata": {"project_id": "other"}}]`,
			projectID: "trailer",
			expReqs: []app.SubmitRequest{
				{Kind: "imagen4", Metadata: map[string]any{model.MetadataProjectID: "trailer"}},
				{Kind: "imagen4", Metadata: map[string]any{model.MetadataProjectID: "other"}},
			},
		},
		"Unknown item fields should fail": {
			data:   `[{"kind": "imagen4", "args": {}}]`,
			expErr: true,
		},
		"A non list document should fail": {
			data:   `{"kind": "imagen4"}`,
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			reqs, err := decodeBatchItems(strings.NewReader(tc.data), tc.projectID)

			if tc.expErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expReqs, reqs)
		})
	}
}

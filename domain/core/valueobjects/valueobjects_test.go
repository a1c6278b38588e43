package valueobjects_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/domain/config"
	"lumina-backend/domain/core/valueobjects"
)

func TestNodeID_Keys(t *testing.T) {
	id, err := valueobjects.NewNodeIDFromString("n1")
	require.NoError(t, err)

	assert.Equal(t, "node-n1", id.SaveKey())
	assert.Equal(t, "node-n1", id.LockKey())

	_, err = valueobjects.NewNodeIDFromString("")
	assert.Error(t, err)
	_, err = valueobjects.NewNodeIDFromString("a#b")
	assert.Error(t, err)
}

func TestBoardID_SpaceName(t *testing.T) {
	id, err := valueobjects.NewBoardIDFromString("b42")
	require.NoError(t, err)
	assert.Equal(t, "board-b42", id.SpaceName())
}

func TestNewPosition_RejectsNonFinite(t *testing.T) {
	_, err := valueobjects.NewPosition(math.NaN(), 0)
	assert.Error(t, err)

	p, err := valueobjects.NewPosition(3, 4)
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.DistanceTo(valueobjects.Position{}))
}

func TestParseNodeType(t *testing.T) {
	tests := []struct {
		in      string
		want    valueobjects.NodeType
		wantErr bool
	}{
		{"", valueobjects.NodeTypeGenerated, false},
		{"seed", valueobjects.NodeTypeSeed, false},
		{"multiOption", valueobjects.NodeTypeMultiOption, false},
		{"image", "", true},
	}
	for _, tt := range tests {
		got, err := valueobjects.ParseNodeType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNodeContent_Validation(t *testing.T) {
	cfg := config.DefaultDomainConfig().Clone()
	cfg.MaxContentLength = 5

	_, err := valueobjects.NewNodeContentWithConfig(strings.Repeat("x", 6), nil, cfg)
	assert.Error(t, err)

	_, err = valueobjects.NewNodeContentWithConfig("ok", []valueobjects.Option{{Text: "  "}}, cfg)
	assert.Error(t, err)

	c, err := valueobjects.NewNodeContentWithConfig("ok", []valueobjects.Option{{Text: " yes "}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "yes", c.Options()[0].Text)
	assert.True(t, c.Equals(c.WithText("ok")))
	assert.False(t, c.Equals(c.WithText("changed")))
}

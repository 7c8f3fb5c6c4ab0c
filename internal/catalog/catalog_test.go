package catalog

import (
	"testing"

	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryCostKeyHasAClass(t *testing.T) {
	c := New()
	for _, code := range c.ActionCodes() {
		class, err := c.ClassOf(code)
		require.NoError(t, err, "action %q has no class", code)
		assert.True(t, class.Valid(), "action %q has invalid class %q", code, class)
	}
}

func TestNormalizeAliases(t *testing.T) {
	c := New()

	canonical, err := c.Normalize("openai-image")
	require.NoError(t, err)
	assert.Equal(t, "image_generate", canonical)

	canonical, err = c.Normalize("text-to-3d-preview")
	require.NoError(t, err)
	assert.Equal(t, "model_preview", canonical)
}

func TestNormalizeLowercasesInput(t *testing.T) {
	c := New()

	canonical, err := c.Normalize("  IMAGE_GENERATE ")
	require.NoError(t, err)
	assert.Equal(t, "image_generate", canonical)
}

func TestVideoVariantsAreCanonicalVerbatim(t *testing.T) {
	c := New()

	action, err := c.Resolve("video_t2v_10s_720p")
	require.NoError(t, err)
	assert.Equal(t, "video_t2v_10s_720p", action.Code)
	assert.Equal(t, int64(60), action.Cost)
	assert.Equal(t, ledgerdomain.CreditClassVideo, action.Class)
}

func TestUnknownActionFailsClosed(t *testing.T) {
	c := New()

	_, err := c.Resolve("holographic_render")
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = c.Normalize("")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestPlanGrant(t *testing.T) {
	c := New()

	plan, err := c.PlanGrant("starter_250")
	require.NoError(t, err)
	assert.Equal(t, int64(250), plan.Credits)
	assert.Equal(t, ledgerdomain.CreditClassGeneral, plan.Class)
	assert.Equal(t, "7.99", plan.AmountValue())
	assert.Equal(t, PlanKindOneTime, plan.Kind)

	yearly, err := c.PlanGrant("creator_yearly")
	require.NoError(t, err)
	assert.True(t, yearly.Yearly())
	assert.Equal(t, "179.90", yearly.AmountValue())

	_, err = c.PlanGrant("unknown_plan")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

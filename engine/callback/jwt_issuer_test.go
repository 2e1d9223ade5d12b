package callback

import (
	"strings"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIssuer(secret string, now time.Time) *JWTIssuer {
	return NewJWTIssuer(config.CallbackConfig{
		Secret:  secret,
		BaseURL: "https://flows.example.com/",
		Issuer:  "relayflow",
	}, engine.FixedClock(now))
}

func TestCallbackURLRoundTrip(t *testing.T) {
	issuer := newIssuer("s3cret", t0)

	url, err := issuer.CallbackURL("c1", "call-1", time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "https://flows.example.com/callbacks/"))

	token := strings.TrimPrefix(url, "https://flows.example.com/callbacks/")
	conv, call, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, kernel.ConversationID("c1"), conv)
	assert.Equal(t, kernel.CallID("call-1"), call)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := newIssuer("s3cret", t0).Token("c1", "call-1", time.Minute)
	require.NoError(t, err)

	_, _, err = newIssuer("s3cret", t0.Add(2*time.Minute)).Verify(token)
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeAuthorization))
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, err := newIssuer("s3cret", t0).Token("c1", "call-1", time.Hour)
	require.NoError(t, err)

	_, _, err = newIssuer("other", t0).Verify(token)
	assert.True(t, errx.IsType(err, errx.TypeAuthorization))

	_, _, err = newIssuer("s3cret", t0).Verify("not-a-token")
	assert.True(t, errx.IsType(err, errx.TypeAuthorization))
}

func TestCompletedBuildsTrigger(t *testing.T) {
	tr := Completed("call-1", map[string]any{"ok": true}, "")
	assert.Equal(t, engine.TriggerAsyncCallCompleted, tr.Kind())
	assert.Equal(t, kernel.CallID("call-1"), tr.CallID)
}

package crate_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dockyard/internal/crate"
)

func TestStorageRoundTrip(t *testing.T) {
	var s crate.Storage
	s.Add(crate.New("config", crate.PayloadData{Fields: []crate.Field{{Key: "greeting", Value: "hello"}}}))
	s.Add(crate.New("table", crate.TableData{Headers: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}))

	raw, err := crate.Serialize(s)
	require.NoError(t, err)

	parsed, err := crate.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 2, parsed.Len())
	require.Equal(t, s.Crates[0].ID, parsed.Crates[0].ID)
	require.Equal(t, crate.ManifestStandardPayload, parsed.Crates[0].ManifestType())

	payload, ok := parsed.Crates[0].Content.(crate.PayloadData)
	require.True(t, ok)
	v, found := payload.Get("greeting")
	require.True(t, found)
	require.Equal(t, "hello", v)

	again, err := crate.Serialize(parsed)
	require.NoError(t, err)
	require.JSONEq(t, raw, again)
}

func TestParseEmptyColumn(t *testing.T) {
	s, err := crate.Parse("")
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())

	raw, err := crate.Serialize(s)
	require.NoError(t, err)
	require.JSONEq(t, `{"crates":[]}`, raw)
}

func TestUnknownManifestTypePreserved(t *testing.T) {
	raw := `{"crates":[{"id":"c1","label":"mystery","manifest_type":"Future Thing","content":{"x":1,"y":[true,null]}}]}`
	s, err := crate.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	rm, ok := s.Crates[0].Content.(crate.RawManifest)
	require.True(t, ok)
	require.Equal(t, crate.ManifestType("Future Thing"), rm.ManifestType())

	out, err := crate.Serialize(s)
	require.NoError(t, err)
	var decoded struct {
		Crates []struct {
			Content json.RawMessage `json:"content"`
		} `json:"crates"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.JSONEq(t, `{"x":1,"y":[true,null]}`, string(decoded.Crates[0].Content))
}

func TestSingleOfType(t *testing.T) {
	var s crate.Storage
	_, err := s.SingleOfType(crate.ManifestStandardPayload)
	var notFound crate.NotFoundError
	require.ErrorAs(t, err, &notFound)

	s.Add(crate.New("p1", crate.PayloadData{}))
	c, err := s.SingleOfType(crate.ManifestStandardPayload)
	require.NoError(t, err)
	require.Equal(t, "p1", c.Label)

	s.Add(crate.New("p2", crate.PayloadData{}))
	_, err = s.SingleOfType(crate.ManifestStandardPayload)
	var ambiguous crate.AmbiguousCrateError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, 2, ambiguous.Count)
}

func TestRemoveAndReplace(t *testing.T) {
	var s crate.Storage
	s.Add(crate.New("keep", crate.PayloadData{}))
	s.Add(crate.New("drop", crate.TableData{}))
	s.Add(crate.New("drop", crate.PayloadData{}))

	require.Equal(t, 2, s.RemoveByLabel("drop"))
	require.Equal(t, 1, s.Len())

	replacement := crate.New("keep", crate.PayloadData{Fields: []crate.Field{{Key: "v", Value: "2"}}})
	s.ReplaceByLabel(replacement)
	require.Equal(t, 1, s.Len())
	require.Equal(t, replacement.ID, s.Crates[0].ID)

	fresh := crate.New("new-label", crate.TableData{})
	s.ReplaceByLabel(fresh)
	require.Equal(t, 2, s.Len())

	require.Equal(t, 1, s.RemoveByManifestType(crate.ManifestStandardTableData))
	require.Equal(t, 1, s.Len())
}

func TestUpdatableCommit(t *testing.T) {
	var saved string
	u, err := crate.NewUpdatable("", func(serialized string) error {
		saved = serialized
		return nil
	})
	require.NoError(t, err)

	u.Storage().Add(crate.New("run", crate.EventReport{EventNames: []string{"order.created"}}))
	require.NoError(t, u.Commit())
	require.NotEmpty(t, saved)

	parsed, err := crate.Parse(saved)
	require.NoError(t, err)
	require.Equal(t, 1, parsed.Len())
	require.Equal(t, crate.ManifestEventReport, parsed.Crates[0].ManifestType())
}

func TestUpdatableSaveError(t *testing.T) {
	boom := errors.New("db gone")
	u, err := crate.NewUpdatable("", func(string) error { return boom })
	require.NoError(t, err)
	require.ErrorIs(t, u.Commit(), boom)
}

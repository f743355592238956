package attribution

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

func ai(id int64, name string) roleplay.Character {
	return roleplay.Character{StoryCharacterID: id, Name: name, IsActive: true}
}

func player(name string) roleplay.Character {
	return roleplay.Character{StoryCharacterID: 99, Name: name, IsPlayer: true, IsActive: true}
}

func TestAttributeSplitsBoldMarkersAndStripsVerbLeads(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}

	got := Attribute("**Alice** smiles and waves.\n\n**Bob** frowns.", roster)

	require.Len(t, got.Sections, 2)
	assert.Equal(t, Section{CharacterName: "Alice", Text: "Smiles and waves."}, got.Sections[0])
	assert.Equal(t, Section{CharacterName: "Bob", Text: "Frowns."}, got.Sections[1])
	assert.Equal(t, "Smiles and waves.\n\nFrowns.", got.CleanedContent)
	assert.Equal(t, "Alice", got.PrimarySpeaker)
}

func TestAttributeSoleCharacterInference(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), player("Rin")}

	got := Attribute("I can't believe it's finally over.", roster)

	require.Len(t, got.Sections, 1)
	assert.Equal(t, "Alice", got.PrimarySpeaker)
	assert.Equal(t, "I can't believe it's finally over.", got.CleanedContent)
}

func TestAttributeNoCandidatesLeavesUnattributed(t *testing.T) {
	got := Attribute("The rain keeps falling.", []roleplay.Character{player("Rin")})

	require.Len(t, got.Sections, 1)
	assert.Empty(t, got.PrimarySpeaker)
	assert.Equal(t, "The rain keeps falling.", got.CleanedContent)
}

func TestAttributeEmptyContentIsSingleUnattributedSection(t *testing.T) {
	got := Attribute("", []roleplay.Character{ai(1, "Alice")})

	require.Len(t, got.Sections, 1)
	assert.Empty(t, got.Sections[0].CharacterName)
	assert.Equal(t, "", got.CleanedContent)
}

func TestAttributeHeadingMarkers(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}
	content := "The tavern is loud.\n\n## Alice\nShe raises her mug.\n\n### Bob speaks\nHe shakes his head."

	got := Attribute(content, roster)

	require.Len(t, got.Sections, 3)
	assert.Equal(t, Section{Text: "The tavern is loud."}, got.Sections[0])
	assert.Equal(t, Section{CharacterName: "Alice", Text: "She raises her mug."}, got.Sections[1])
	assert.Equal(t, Section{CharacterName: "Bob", Text: "He shakes his head."}, got.Sections[2])
	assert.Empty(t, got.PrimarySpeaker)
}

func TestAttributeIgnoresInactiveAndPlayerMarkers(t *testing.T) {
	gone := ai(3, "Carol")
	gone.IsActive = false
	roster := []roleplay.Character{ai(1, "Alice"), gone, player("Rin")}

	got := Attribute("**Carol** waves goodbye.\n\n**Rin** nods.", roster)

	require.Len(t, got.Sections, 1)
	assert.Equal(t, "Alice", got.PrimarySpeaker)
	assert.Equal(t, "**Carol** waves goodbye.\n\n**Rin** nods.", got.CleanedContent)
}

func TestAttributeBoldLabelWithColonDropsLabel(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}

	got := Attribute("**Alice:** \"We leave at dawn.\"\n**Bob**: \"Fine.\"", roster)

	require.Len(t, got.Sections, 2)
	assert.Equal(t, `"We leave at dawn."`, got.Sections[0].Text)
	assert.Equal(t, `"Fine."`, got.Sections[1].Text)
}

func TestAttributeBoldFirstNameMatchesMultiWordName(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice Liddell"), ai(2, "Bob")}

	got := Attribute("**Alice**\n\nThe hallway narrows.\n\n**Bob** laughs.", roster)

	require.Len(t, got.Sections, 2)
	assert.Equal(t, "Alice Liddell", got.Sections[0].CharacterName)
	assert.Equal(t, "The hallway narrows.", got.Sections[0].Text)
}

func TestDetectSpeakerEarliestNameWins(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}

	got := Attribute("The door opens and Bob steps in while Alice watches.", roster)

	assert.Equal(t, "Bob", got.PrimarySpeaker)
}

func TestDetectSpeakerRespectsWindow(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}
	content := strings.Repeat("a quiet night ", 20) + "then Bob arrives."

	got := Attribute(content, roster)
	assert.Empty(t, got.PrimarySpeaker)

	prev := DetectionWindow
	DetectionWindow = 1000
	t.Cleanup(func() { DetectionWindow = prev })

	got = Attribute(content, roster)
	assert.Equal(t, "Bob", got.PrimarySpeaker)
}

func TestDetectSpeakerRequiresWordBoundary(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Al"), ai(2, "Bob")}

	got := Attribute("Always the same story, Bob thinks.", roster)

	assert.Equal(t, "Bob", got.PrimarySpeaker)
}

func TestAttributeTurnPlayerContentIsNotStripped(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), player("Rin")}
	turn := roleplay.Turn{Content: "Alice smiles at me.", GenerationMethod: roleplay.MethodUserWritten}

	got := AttributeTurn(turn, roster)

	assert.Equal(t, "Rin", got.PrimarySpeaker)
	assert.Equal(t, "Alice smiles at me.", got.CleanedContent)
}

func TestAttributeTurnDirectionIsUnattributed(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), player("Rin")}
	turn := roleplay.Turn{Content: "Alice should reveal the map.", GenerationMethod: roleplay.MethodDirection}

	got := AttributeTurn(turn, roster)

	assert.Empty(t, got.PrimarySpeaker)
	assert.Equal(t, "Alice should reveal the map.", got.CleanedContent)
}

func TestAttributeTurnAutoUsesParser(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), player("Rin")}
	turn := roleplay.Turn{Content: "Alice's smile fades.", GenerationMethod: roleplay.MethodAuto}

	got := AttributeTurn(turn, roster)

	assert.Equal(t, "Alice", got.PrimarySpeaker)
	assert.Equal(t, "Smile fades.", got.CleanedContent)
}

func TestAttributeIsIdempotent(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice Liddell"), ai(2, "Bob"), ai(3, "Dr. Who?"), player("Rin")}
	inputs := []string{
		"**Alice Liddell** smiles and waves.\n\n**Bob** frowns.",
		"## Bob\nHe sighs.",
		"Alice's hands tremble as she reads the letter.",
		"Bob\n\nThe fire crackles.",
		"Alice\nShe turns away.",
		"Dr. Who? hums a tune.",
		"Nothing happens for a while.",
		"Intro line.\n\n**Bob** nods.\n\n**Alice** shrugs, then leaves.",
		"",
		"**Bob**: \"Hello.\"\n\n**Alice Liddell**\n\nShe waves.",
		"## Alice\nAlice smiles and waves.",
		"# Chapter One\nAlice smiles.",
		"### Bob\nBob leans in.\n\n**Alice** nods.",
		"#1 rule of the tavern: never bet against Bob.",
	}

	for _, in := range inputs {
		first := Attribute(in, roster).CleanedContent
		second := Attribute(first, roster).CleanedContent
		assert.Equal(t, first, second, "input %q", in)
	}
}

func TestAttributePreservesProse(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}
	content := "Rain hammers the roof.\n\n**Alice** lights a candle.\n\n## Bob\nHe counts the coins twice."

	got := Attribute(content, roster)

	joined := make([]string, 0, len(got.Sections))
	for _, s := range got.Sections {
		joined = append(joined, s.Text)
	}
	assert.Equal(t, strings.Fields(got.CleanedContent), strings.Fields(strings.Join(joined, "\n\n")))
	assert.Equal(t,
		strings.Fields("Rain hammers the roof. Lights a candle. He counts the coins twice."),
		strings.Fields(got.CleanedContent),
	)
}

func TestAttributeHashWithoutSpaceIsNotAMarker(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}
	tests := []struct {
		name    string
		content string
		speaker string
	}{
		{name: "numbered rule", content: "#1 rule of the tavern: never bet against Bob.", speaker: "Bob"},
		{name: "hashtag", content: "#Alice is trending again.", speaker: "Alice"},
		{name: "four hashes", content: "#### Bob\nHe waits.", speaker: "Bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Attribute(tt.content, roster)
			require.Len(t, got.Sections, 1)
			assert.Equal(t, tt.content, got.CleanedContent)
			assert.Equal(t, tt.speaker, got.PrimarySpeaker)
		})
	}
}

func TestAttributeStripsNameUnderHeading(t *testing.T) {
	roster := []roleplay.Character{ai(1, "Alice"), ai(2, "Bob")}

	got := Attribute("## Alice\nAlice smiles and waves.", roster)

	require.Len(t, got.Sections, 1)
	assert.Equal(t, Section{CharacterName: "Alice", Text: "Smiles and waves."}, got.Sections[0])
}

package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/taleweave/internal/attribution"
	"github.com/ent0n29/taleweave/internal/llm"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// scene is the state a single generation request is built from.
type scene struct {
	id       string
	scenario string
	title    string
	roster   roleplay.Roster
	turns    []roleplay.Turn
	history  int
}

func (b *Local) loadScene(ctx context.Context, sessionID string) (*scene, error) {
	rp, err := b.store.GetRoleplay(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load roleplay %s: %w", sessionID, err)
	}
	chars, err := b.store.ListCharacters(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load characters: %w", err)
	}
	turns, err := b.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	return &scene{
		id:       rp.ID,
		scenario: rp.Scenario,
		title:    rp.Title,
		roster:   roleplay.Roster(chars),
		turns:    turns,
		history:  b.historyTurns,
	}, nil
}

// firstSpeaker is the first active AI character, or "" for a narrator.
func (s *scene) firstSpeaker() string {
	ai := s.roster.ActiveNonPlayers()
	if len(ai) == 0 {
		return ""
	}
	return ai[0].Name
}

// nextSpeaker rotates through the active AI characters, starting after the
// speaker of the most recent generated turn.
func (s *scene) nextSpeaker() string {
	ai := s.roster.ActiveNonPlayers()
	if len(ai) == 0 {
		return ""
	}
	last := ""
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].GenerationMethod != roleplay.MethodAuto {
			continue
		}
		last = attribution.Attribute(s.turns[i].Content, s.roster).PrimarySpeaker
		break
	}
	prev, ok := s.roster.ByName(last)
	if !ok {
		return ai[0].Name
	}
	for i, c := range ai {
		if c.Name == prev.Name {
			return ai[(i+1)%len(ai)].Name
		}
	}
	return ai[0].Name
}

func (s *scene) request(speaker string, playerVoice bool) llm.Request {
	return llm.Request{
		SessionID:   s.id,
		Speaker:     speaker,
		System:      s.systemPrompt(speaker, playerVoice),
		Messages:    s.transcript(),
		PlayerVoice: playerVoice,
	}
}

func (s *scene) systemPrompt(speaker string, playerVoice bool) string {
	var sb strings.Builder
	sb.WriteString("You are co-writing an interactive roleplay story.")
	if title := strings.TrimSpace(s.title); title != "" {
		fmt.Fprintf(&sb, "\nStory: %s", title)
	}
	if scenario := strings.TrimSpace(s.scenario); scenario != "" {
		fmt.Fprintf(&sb, "\nScenario: %s", scenario)
	}
	if len(s.roster) > 0 {
		sb.WriteString("\nCharacters:")
		for _, c := range s.roster {
			if !c.IsActive {
				continue
			}
			line := c.Name
			if c.IsPlayer {
				line += " (player)"
			}
			if role := strings.TrimSpace(c.Role); role != "" {
				line += ", " + role
			}
			sb.WriteString("\n- " + line)
		}
	}
	switch {
	case playerVoice:
		fmt.Fprintf(&sb, "\nWrite the next turn as %s, in first person, starting with \"I \".", speaker)
	case speaker != "":
		fmt.Fprintf(&sb, "\nWrite the next turn. Start a new section with %s's name in bold, like **%s**, whenever a character begins acting.", speaker, speaker)
	default:
		sb.WriteString("\nNarrate the opening of the story.")
	}
	return sb.String()
}

// transcript maps the recent turns onto chat roles: player-authored turns
// and directions are user messages, generated turns are assistant messages.
func (s *scene) transcript() []llm.Message {
	turns := s.turns
	if s.history > 0 && len(turns) > s.history {
		turns = turns[len(turns)-s.history:]
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		switch t.GenerationMethod {
		case roleplay.MethodAuto:
			out = append(out, llm.Message{Role: "assistant", Content: content})
		case roleplay.MethodDirection:
			out = append(out, llm.Message{Role: "user", Name: "direction", Content: "[Direction] " + content})
		default:
			out = append(out, llm.Message{Role: "user", Content: content})
		}
	}
	return out
}

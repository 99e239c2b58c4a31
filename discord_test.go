package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

type fakeHistory struct {
	msgs  []*discordgo.Message // newest first, as the API returns them
	calls int
	err   error
}

func (f *fakeHistory) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	start := 0
	if beforeID != "" {
		for i, m := range f.msgs {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(f.msgs) {
		end = len(f.msgs)
	}
	return f.msgs[start:end], nil
}

func historyOf(n int, author *discordgo.User) *fakeHistory {
	msgs := make([]*discordgo.Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = &discordgo.Message{ID: fmt.Sprintf("%06d", n-i), Author: author}
	}
	return &fakeHistory{msgs: msgs}
}

func TestSweepChannelPaginatesWithoutSkipsOrDuplicates(t *testing.T) {
	author := user("1", "alice")
	history := historyOf(250, author)
	cache := NewMemberCache("guild", nil)
	ledger := NewLedger()

	processed, err := sweepChannel(history, "chan", 0, cache, ledger, 0, nil)
	if err != nil {
		t.Fatalf("sweepChannel failed: %v", err)
	}
	if processed != 250 {
		t.Fatalf("expected 250 messages processed, got %d", processed)
	}
	// Two full pages, one short page, one empty page marking the end.
	if history.calls != 4 {
		t.Fatalf("expected 4 fetches for 250 messages, got %d calls", history.calls)
	}
	// Authorship slot for channel 0 sees every message exactly once.
	if got := ledger.Count(cache.Resolve(author), 1); got != 250 {
		t.Fatalf("expected authorship count 250, got %d", got)
	}
}

func TestSweepChannelStopsOnEmptyPage(t *testing.T) {
	history := historyOf(42, user("1", "alice"))
	processed, err := sweepChannel(history, "chan", 0, NewMemberCache("g", nil), NewLedger(), 0, nil)
	if err != nil {
		t.Fatalf("sweepChannel failed: %v", err)
	}
	// A short page does not end the sweep; only the following empty page does.
	if processed != 42 || history.calls != 2 {
		t.Fatalf("expected a short page then an empty one, got processed=%d calls=%d", processed, history.calls)
	}
}

func TestSweepChannelPropagatesFetchError(t *testing.T) {
	history := &fakeHistory{err: errors.New("gateway closed")}
	if _, err := sweepChannel(history, "chan", 0, NewMemberCache("g", nil), NewLedger(), 0, nil); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}

func TestSweepPercentClamps(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 4000, 0},
		{2000, 4000, 50},
		{4000, 4000, 99},
		{9000, 4000, 99},
		{100, 0, 0},
	}
	for _, tc := range cases {
		if got := sweepPercent(tc.processed, tc.total); got != tc.want {
			t.Errorf("sweepPercent(%d, %d) = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	dir := t.TempDir()
	store := LoadSettings(Config{SettingsPath: filepath.Join(dir, "settings.json")})
	journal, err := InitJournal(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("init journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return NewBot(Config{}, store, journal, &fakeSheet{})
}

func TestTriggerSweepRejectsConcurrentRun(t *testing.T) {
	bot := newTestBot(t)
	bot.sweeping.Store(true)

	if _, err := bot.TriggerSweep(nil, "guild"); err == nil {
		t.Fatal("expected second sweep start to be rejected")
	}
	if !bot.sweeping.Load() {
		t.Fatal("rejected start must not release the running sweep's guard")
	}
}

func TestTriggerSweepIncompleteConfigRejected(t *testing.T) {
	bot := newTestBot(t)

	_, err := bot.TriggerSweep(nil, "guild")
	if err == nil || !errors.Is(err, errConfigIncomplete) {
		t.Fatalf("expected config-incomplete rejection, got %v", err)
	}
	if bot.sweeping.Load() {
		t.Fatal("guard must be released after a rejected run")
	}

	// The aborted run is still journaled for reconciliation.
	run, ok, qErr := GetLastSweepRun(bot.journal)
	if qErr != nil || !ok {
		t.Fatalf("expected journaled run, ok=%v err=%v", ok, qErr)
	}
	if !strings.Contains(run.Error, "configured") {
		t.Fatalf("unexpected journaled error: %q", run.Error)
	}
}

func TestModalInputValue(t *testing.T) {
	data := discordgo.ModalSubmitInteractionData{
		CustomID: modalSettingsID,
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				&discordgo.TextInput{CustomID: inputSheetName, Value: "Duty"},
			}},
			&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				&discordgo.TextInput{CustomID: inputChannelIDs, Value: "123456789012345678"},
			}},
		},
	}
	if got := modalInputValue(data, inputSheetName); got != "Duty" {
		t.Errorf("unexpected sheet name value %q", got)
	}
	if got := modalInputValue(data, inputChannelIDs); got != "123456789012345678" {
		t.Errorf("unexpected channel ids value %q", got)
	}
	if got := modalInputValue(data, "missing"); got != "" {
		t.Errorf("expected empty value for unknown input, got %q", got)
	}
}

func TestMemberDisplayName(t *testing.T) {
	cases := []struct {
		member *discordgo.Member
		want   string
	}{
		{nil, "A member"},
		{&discordgo.Member{User: &discordgo.User{Username: "plain"}}, "plain"},
		{&discordgo.Member{User: &discordgo.User{Username: "plain", GlobalName: "Global"}}, "Global"},
		{&discordgo.Member{Nick: "Nickname", User: &discordgo.User{Username: "plain"}}, "Nickname"},
	}
	for _, tc := range cases {
		if got := memberDisplayName(tc.member); got != tc.want {
			t.Errorf("memberDisplayName(%+v) = %q, want %q", tc.member, got, tc.want)
		}
	}
}

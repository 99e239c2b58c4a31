package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	componentStartRecount = "tracker_recount_start"
	componentOpenSettings = "tracker_settings_open"
	modalSettingsID       = "tracker_settings_modal"

	inputSpreadsheetID = "settings_spreadsheet_id"
	inputSheetName     = "settings_sheet_name"
	inputChannelIDs    = "settings_channel_ids"
	inputBatchDelay    = "settings_batch_delay"

	sweepPageSize       = 100
	progressEveryPages  = 5
	successDismissDelay = 15 * time.Second

	// Rough per-channel message total used for the progress estimate. A real
	// pre-count would cost a full extra pagination pass per channel, so the
	// indicator stays deliberately coarse and is clamped below 100%.
	sweepChannelEstimate = 4000
)

var errConfigIncomplete = errors.New("spreadsheet id, sheet name and tracked channels must be configured first")

// messageHistory is the slice of the Discord session the sweep needs,
// narrowed so tests can paginate over a fake channel.
type messageHistory interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Bot wires the Discord events to extraction, aggregation and sheet sync.
type Bot struct {
	cfg     Config
	store   *SettingsStore
	journal *sql.DB

	clientMu sync.Mutex
	client   SheetClient

	cacheMu sync.Mutex
	cache   *MemberCache

	sweeping atomic.Bool
}

func NewBot(cfg Config, store *SettingsStore, journal *sql.DB, client SheetClient) *Bot {
	return &Bot{cfg: cfg, store: store, journal: journal, client: client}
}

// Register attaches all event handlers and sets the gateway intents.
func (b *Bot) Register(dg *discordgo.Session) {
	dg.AddHandler(b.handleReady)
	dg.AddHandler(b.handleMessageCreate)
	dg.AddHandler(b.handleMemberAdd)
	dg.AddHandler(b.handleMemberRemove)
	dg.AddHandler(b.handleInteraction)
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
}

// sheetClient returns the Sheets client, constructing it on first use. Auth
// failure is surfaced to the caller: the duty-log path logs and drops the
// record, the sweep path aborts the run.
func (b *Bot) sheetClient() (SheetClient, error) {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	if b.client == nil {
		client, err := NewSheetService(b.cfg.ServiceAccountEmail, b.cfg.ServiceAccountKey)
		if err != nil {
			return nil, err
		}
		b.client = client
	}
	return b.client, nil
}

// memberCache returns the process-wide resolution cache, created for the
// first guild seen. Entries are never refreshed.
func (b *Bot) memberCache(fetch memberFetcher, guildID string) *MemberCache {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cache == nil {
		b.cache = NewMemberCache(guildID, fetch)
	}
	return b.cache
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("Connected as %s (guilds=%d)", r.User.Username, len(r.Guilds))
}

func (b *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	switch m.ChannelID {
	case b.cfg.DutyLogChannelID:
		// Clock-out reports are posted by the duty bot itself, so bot authors
		// are welcome here.
		b.handleDutyLogMessage(m)
	case b.cfg.CommandChannelID:
		if m.Author.Bot {
			return
		}
		b.handleCommand(s, m)
	}
}

func (b *Bot) handleDutyLogMessage(m *discordgo.MessageCreate) {
	rec := extractLogRecord(collectMessageText(m.Message))
	if !rec.Complete() {
		log.Printf("duty log: incomplete record skipped channel=%s message=%s", m.ChannelID, m.ID)
		return
	}

	rt := b.store.Current()
	if rt.SpreadsheetID == "" || rt.SheetName == "" {
		log.Printf("duty log: no spreadsheet configured, record dropped name=%q", rec.Name)
		return
	}

	sc, err := b.sheetClient()
	if err != nil {
		log.Printf("duty log: sheets auth failed, record dropped name=%q: %v", rec.Name, err)
		return
	}

	entry, err := UpsertDutyRecord(sc, rt, rec)
	if err != nil {
		log.Printf("duty log: upsert failed name=%q: %v", rec.Name, err)
		return
	}
	log.Printf("duty log: recorded name=%q date=%s row=%d", entry.Name, entry.Date, entry.Row)

	if jErr := InsertDutyEntry(b.journal, entry); jErr != nil {
		log.Printf("duty log: journal write failed name=%q: %v", entry.Name, jErr)
	}
}

func (b *Bot) handleCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	switch strings.TrimSpace(m.Content) {
	case "!panel":
		b.postControlPanel(s, m.ChannelID)
	case "!recent":
		b.postRecentEntries(s, m.ChannelID)
	}
}

func (b *Bot) postControlPanel(s *discordgo.Session, channelID string) {
	_, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: "Activity tracker controls:",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Start recount",
					Style:    discordgo.PrimaryButton,
					CustomID: componentStartRecount,
				},
				discordgo.Button{
					Label:    "Settings",
					Style:    discordgo.SecondaryButton,
					CustomID: componentOpenSettings,
				},
			}},
		},
	})
	if err != nil {
		log.Printf("control panel post error channel=%s: %v", channelID, err)
	}
}

func (b *Bot) postRecentEntries(s *discordgo.Session, channelID string) {
	entries, err := GetRecentDutyEntries(b.journal, 5)
	if err != nil {
		log.Printf("recent entries query error: %v", err)
		return
	}
	if len(entries) == 0 {
		s.ChannelMessageSend(channelID, "No duty entries recorded yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Latest duty entries:\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("• %s — %s %s", e.Name, e.Date, e.ClockOut))
		if e.DurationSeconds > 0 {
			sb.WriteString(fmt.Sprintf(" (%s)", secondsToDuration(e.DurationSeconds)))
		}
		sb.WriteString("\n")
	}
	if _, err := s.ChannelMessageSend(channelID, sb.String()); err != nil {
		log.Printf("recent entries post error channel=%s: %v", channelID, err)
	}
}

func (b *Bot) handleMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if b.cfg.ReportChannelID == "" || m.User == nil {
		return
	}
	_, err := s.ChannelMessageSend(b.cfg.ReportChannelID,
		fmt.Sprintf("%s joined the server.", memberDisplayName(m.Member)))
	if err != nil {
		log.Printf("member-add notice error user=%s: %v", m.User.ID, err)
	}
}

func (b *Bot) handleMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if b.cfg.ReportChannelID == "" || m.User == nil {
		return
	}
	_, err := s.ChannelMessageSend(b.cfg.ReportChannelID,
		fmt.Sprintf("%s left the server.", memberDisplayName(m.Member)))
	if err != nil {
		log.Printf("member-remove notice error user=%s: %v", m.User.ID, err)
	}
}

func memberDisplayName(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return "A member"
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		switch i.MessageComponentData().CustomID {
		case componentStartRecount:
			b.handleRecountButton(s, i)
		case componentOpenSettings:
			b.openSettingsModal(s, i)
		}
	case discordgo.InteractionModalSubmit:
		if i.ModalSubmitData().CustomID == modalSettingsID {
			b.handleSettingsSubmit(s, i)
		}
	}
}

func (b *Bot) handleRecountButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	rt := b.store.Current()
	if !rt.Complete() {
		respondEphemeral(s, i, errConfigIncomplete.Error())
		return
	}
	if !b.sweeping.CompareAndSwap(false, true) {
		respondEphemeral(s, i, "A recount is already running.")
		log.Printf("recount rejected: already running (user=%s)", interactionUserID(i))
		return
	}
	respondEphemeral(s, i, "Recount started.")
	log.Printf("recount started by user=%s guild=%s", interactionUserID(i), i.GuildID)

	guildID := i.GuildID
	go func() {
		defer b.sweeping.Store(false)
		b.executeSweep(s, guildID)
	}()
}

// TriggerSweep runs a sweep if none is active. Used by the scheduler.
func (b *Bot) TriggerSweep(s *discordgo.Session, guildID string) (SweepRun, error) {
	if !b.sweeping.CompareAndSwap(false, true) {
		return SweepRun{}, fmt.Errorf("a recount is already running")
	}
	defer b.sweeping.Store(false)
	return b.executeSweep(s, guildID)
}

func (b *Bot) executeSweep(s *discordgo.Session, guildID string) (SweepRun, error) {
	started := time.Now()
	summary, err := b.runSweep(s, guildID)
	run := SweepRun{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Channels:   summary.Channels,
		Messages:   summary.Messages,
		Persons:    summary.Persons,
	}
	if err != nil {
		run.Error = err.Error()
		log.Printf("sweep failed after %s: %v", run.FinishedAt.Sub(started).Round(time.Second), err)
	} else {
		log.Printf("sweep done channels=%d messages=%d persons=%d in %s",
			run.Channels, run.Messages, run.Persons, run.FinishedAt.Sub(started).Round(time.Second))
	}
	if jErr := InsertSweepRun(b.journal, run); jErr != nil {
		log.Printf("sweep journal write failed: %v", jErr)
	}
	return run, err
}

type sweepSummary struct {
	Channels int
	Messages int
	Persons  int
}

// runSweep clears prior counts, then paginates each tracked channel oldest
// after newest backward by message id, classifying every page into a ledger
// and flushing the ledger after the channel completes. Progress is reported
// by editing one message in the command channel at fixed page intervals. Any
// remote failure aborts the run and is left visible in that message.
func (b *Bot) runSweep(s *discordgo.Session, guildID string) (sweepSummary, error) {
	var summary sweepSummary

	rt := b.store.Current()
	if !rt.Complete() {
		return summary, errConfigIncomplete
	}
	sc, err := b.sheetClient()
	if err != nil {
		return summary, fmt.Errorf("sheets auth: %w", err)
	}
	cache := b.memberCache(s, guildID)

	progress := newProgressMessage(s, b.cfg.CommandChannelID)
	progress.set("Recount starting...")

	if err := ClearCounts(sc, rt); err != nil {
		progress.set(fmt.Sprintf("Recount failed: %v", err))
		return summary, err
	}

	totalEstimate := sweepChannelEstimate * len(rt.ChannelIDs)
	processedBefore := 0
	for idx, channelID := range rt.ChannelIDs {
		ledger := NewLedger()
		pages := 0
		processed, err := sweepChannel(s, channelID, idx, cache, ledger, rt.BatchDelay(), func(done int) {
			pages++
			if pages%progressEveryPages == 0 {
				percent := sweepPercent(processedBefore+done, totalEstimate)
				progress.set(fmt.Sprintf("Recount in progress: channel %d/%d, ~%d%% (%d messages)",
					idx+1, len(rt.ChannelIDs), percent, processedBefore+done))
			}
		})
		if err != nil {
			progress.set(fmt.Sprintf("Recount failed on channel %s: %v", channelID, err))
			return summary, fmt.Errorf("sweep channel %s: %w", channelID, err)
		}
		processedBefore += processed

		result, err := FlushLedger(sc, rt, ledger)
		if err != nil {
			progress.set(fmt.Sprintf("Recount failed writing channel %s: %v", channelID, err))
			return summary, fmt.Errorf("flush channel %s: %w", channelID, err)
		}
		log.Printf("sweep channel=%s messages=%d persons=%d updated=%d appended=%d",
			channelID, ledger.Messages(), len(ledger.Persons()), result.RowsUpdated, result.RowsAppended)

		summary.Messages += ledger.Messages()
		summary.Persons += len(ledger.Persons())
	}
	summary.Channels = len(rt.ChannelIDs)

	progress.set(fmt.Sprintf("Recount complete: %d channels, %d messages, %d persons.",
		summary.Channels, summary.Messages, summary.Persons))
	progress.dismissAfter(successDismissDelay)
	return summary, nil
}

// sweepChannel pages backward through one channel's full history until an
// empty page marks the end. Messages within a page are classified in fetched
// order; the next page starts before the last seen id so no message repeats
// across page boundaries.
func sweepChannel(fetch messageHistory, channelID string, channelIndex int, cache *MemberCache,
	ledger *Ledger, batchDelay time.Duration, progress func(processed int)) (int, error) {

	processed := 0
	beforeID := ""
	for {
		page, err := fetch.ChannelMessages(channelID, sweepPageSize, beforeID, "", "")
		if err != nil {
			return processed, err
		}
		if len(page) == 0 {
			break
		}
		ledger.AddPage(page, channelIndex, cache)
		processed += len(page)
		beforeID = page[len(page)-1].ID
		if progress != nil {
			progress(processed)
		}
		time.Sleep(batchDelay)
	}
	return processed, nil
}

func sweepPercent(processed, totalEstimate int) int {
	if totalEstimate <= 0 || processed <= 0 {
		return 0
	}
	percent := processed * 100 / totalEstimate
	if percent > 99 {
		percent = 99
	}
	return percent
}

// progressMessage is one editable status message in the command channel.
type progressMessage struct {
	s         *discordgo.Session
	channelID string
	messageID string
}

func newProgressMessage(s *discordgo.Session, channelID string) *progressMessage {
	return &progressMessage{s: s, channelID: channelID}
}

func (p *progressMessage) set(text string) {
	if p.s == nil || p.channelID == "" {
		return
	}
	if p.messageID == "" {
		msg, err := p.s.ChannelMessageSend(p.channelID, text)
		if err != nil {
			log.Printf("progress post error channel=%s: %v", p.channelID, err)
			return
		}
		p.messageID = msg.ID
		return
	}
	if _, err := p.s.ChannelMessageEdit(p.channelID, p.messageID, text); err != nil {
		log.Printf("progress edit error channel=%s: %v", p.channelID, err)
	}
}

func (p *progressMessage) dismissAfter(delay time.Duration) {
	if p.s == nil || p.messageID == "" {
		return
	}
	s, channelID, messageID := p.s, p.channelID, p.messageID
	time.AfterFunc(delay, func() {
		if err := s.ChannelMessageDelete(channelID, messageID); err != nil {
			log.Printf("progress dismiss error channel=%s: %v", channelID, err)
		}
	})
}

func (b *Bot) openSettingsModal(s *discordgo.Session, i *discordgo.InteractionCreate) {
	rt := b.store.Current()
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalSettingsID,
			Title:    "Tracking settings",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{discordgo.TextInput{
					CustomID: inputSpreadsheetID,
					Label:    "Spreadsheet ID",
					Style:    discordgo.TextInputShort,
					Value:    rt.SpreadsheetID,
					Required: true,
				}}},
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{discordgo.TextInput{
					CustomID: inputSheetName,
					Label:    "Sheet name",
					Style:    discordgo.TextInputShort,
					Value:    rt.SheetName,
					Required: true,
				}}},
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{discordgo.TextInput{
					CustomID:    inputChannelIDs,
					Label:       "Tracked channel IDs (comma-separated, max 3)",
					Style:       discordgo.TextInputShort,
					Value:       strings.Join(rt.ChannelIDs, ","),
					Placeholder: "123456789012345678,234567890123456789",
				}}},
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{discordgo.TextInput{
					CustomID: inputBatchDelay,
					Label:    "Batch delay (ms)",
					Style:    discordgo.TextInputShort,
					Value:    fmt.Sprintf("%d", rt.BatchDelayMS),
				}}},
			},
		},
	})
	if err != nil {
		log.Printf("settings modal open error: %v", err)
	}
}

func (b *Bot) handleSettingsSubmit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ModalSubmitData()
	rt := b.store.Current()

	if v := strings.TrimSpace(modalInputValue(data, inputSpreadsheetID)); v != "" {
		rt.SpreadsheetID = v
	}
	if v := strings.TrimSpace(modalInputValue(data, inputSheetName)); v != "" {
		rt.SheetName = v
	}
	rt.ChannelIDs = parseChannelIDs(modalInputValue(data, inputChannelIDs))
	if v := strings.TrimSpace(modalInputValue(data, inputBatchDelay)); v != "" {
		var delay int
		if _, err := fmt.Sscanf(v, "%d", &delay); err == nil && delay > 0 {
			rt.BatchDelayMS = delay
		}
	}

	if err := b.store.Save(rt); err != nil {
		respondEphemeral(s, i, fmt.Sprintf("Error saving settings: %v", err))
		log.Printf("settings save error: %v", err)
		return
	}
	respondEphemeral(s, i, fmt.Sprintf("Settings saved: sheet %q, %d tracked channel(s).",
		rt.SheetName, len(rt.ChannelIDs)))
	log.Printf("settings saved sheet=%q channels=%d by user=%s", rt.SheetName, len(rt.ChannelIDs), interactionUserID(i))
}

func modalInputValue(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, comp := range data.Components {
		row, ok := comp.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, inner := range row.Components {
			if input, ok := inner.(*discordgo.TextInput); ok && input.CustomID == customID {
				return input.Value
			}
		}
	}
	return ""
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Printf("interaction respond error: %v", err)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/profile"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
)

// responder is what the console needs to answer requests.
type responder interface {
	AcceptFriendRequest(ctx context.Context, remote identity.EndpointID, mine *profile.ShareData) (*profile.ShareData, error)
	RejectFriendRequest(ctx context.Context, remote identity.EndpointID) error
}

// console renders events on the terminal and prompts for incoming requests.
type console struct {
	svc  responder
	sink *friend.ChannelSink
	now  func() time.Time
}

func newConsole(svc responder, sink *friend.ChannelSink) *console {
	return &console{svc: svc, sink: sink, now: time.Now}
}

func (c *console) run(ctx context.Context) {
	for {
		select {
		case ev := <-c.sink.Events():
			fmt.Println(renderEvent(ev, c.now()))
			if req, ok := ev.(friend.IncomingRequestEvent); ok {
				c.prompt(ctx, req.Request)
			}
		case <-c.sink.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *console) prompt(ctx context.Context, req friend.IncomingRequest) {
	accept := true
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s (%s) wants to be friends", req.Name, req.From)).
		Affirmative("Accept").
		Negative("Reject").
		Value(&accept).
		Run()
	if err != nil {
		// Prompt aborted; the request stays pending for the API.
		fmt.Println(dimStyle.Render("  left pending"))
		return
	}

	go func() {
		if accept {
			if _, err := c.svc.AcceptFriendRequest(ctx, req.RemoteID, nil); err != nil {
				fmt.Println(renderFailure("accept", req.RemoteID, err))
			}
			return
		}
		if err := c.svc.RejectFriendRequest(ctx, req.RemoteID); err != nil {
			fmt.Println(renderFailure("reject", req.RemoteID, err))
			return
		}
		fmt.Println(dimStyle.Render("  rejected " + req.RemoteID.ShortString()))
	}()
}

func renderFailure(op string, remote identity.EndpointID, err error) string {
	if errors.Is(err, friend.ErrNotFound) {
		return warnStyle.Render(fmt.Sprintf("  %s %s: request no longer pending", op, remote.ShortString()))
	}
	return errorStyle.Render(fmt.Sprintf("  %s %s failed: %v", op, remote.ShortString(), err))
}

// renderEvent formats one event for the terminal.
func renderEvent(ev friend.Event, now time.Time) string {
	switch e := ev.(type) {
	case friend.PeerDiscoveredEvent:
		seen := time.Unix(e.Peer.Timestamp, 0)
		return fmt.Sprintf("%s %s %s",
			dimStyle.Render("◆ peer"),
			peerStyle.Render(e.Peer.EndpointID.String()),
			dimStyle.Render("seen "+humanize.RelTime(seen, now, "ago", "from now")))

	case friend.IncomingRequestEvent:
		return fmt.Sprintf("%s %s (%s) from %s",
			titleStyle.Render("➜ friend request:"),
			e.Request.Name, e.Request.From,
			peerStyle.Render(e.Request.RemoteID.ShortString()))

	case friend.RequestAcceptedEvent:
		return okStyle.Render("✓ exchange complete with "+e.Peer.ShortString()) + "\n" + renderProfile(e.ShareData)

	case friend.DataReceivedEvent:
		return okStyle.Render("✓ "+e.Peer.ShortString()+" accepted your request") + "\n" + renderProfile(e.ShareData)

	case friend.RequestRejectedEvent:
		return warnStyle.Render(fmt.Sprintf("✗ %s declined (%s)", e.Peer.ShortString(), e.Reason))

	case friend.ErrorEvent:
		if !e.Peer.IsZero() {
			return errorStyle.Render(fmt.Sprintf("! %s: %s", e.Peer.ShortString(), e.Message))
		}
		return errorStyle.Render("! " + e.Message)

	default:
		return dimStyle.Render(fmt.Sprintf("? %s", ev.Type()))
	}
}

// renderProfile formats a received profile.
func renderProfile(sd *profile.ShareData) string {
	if sd == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s  %s", titleStyle.Render(sd.Name), dimStyle.Render(sd.Registration))
	if sd.Semester > 0 {
		fmt.Fprintf(&b, "  semester %s", humanize.Ordinal(sd.Semester))
	}
	b.WriteString("\n")
	if len(sd.Hobbies) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", sectionStyle.Render("hobbies:"), strings.Join(sd.Hobbies, ", "))
	}
	for _, q := range sd.Quotes {
		fmt.Fprintf(&b, "  %s %q\n", sectionStyle.Render("quote:"), q)
	}
	if len(sd.Slots) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", sectionStyle.Render("timetable:"), renderSlots(sd.Slots))
	}
	if data, err := profile.Marshal(sd); err == nil {
		fmt.Fprintf(&b, "  %s", dimStyle.Render(humanize.Bytes(uint64(len(data)))+" received"))
	}
	return b.String()
}

var dayNames = [...]string{"", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func renderSlots(slots []profile.Slot) string {
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		day := fmt.Sprintf("D%d", s.Day)
		if s.Day >= profile.MinDay && s.Day < len(dayNames) {
			day = dayNames[s.Day]
		}
		kind := "theory"
		if s.Kind == profile.KindLab {
			kind = "lab"
		}
		parts = append(parts, fmt.Sprintf("%s P%d %s (%s)", day, s.Period, s.Label, kind))
	}
	return strings.Join(parts, "; ")
}

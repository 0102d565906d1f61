package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/flowwatch/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// chat ID is parsed before any call to the Bot API
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatAlerts(t *testing.T) {
	at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	alerts := []models.CompositeAlert{
		{
			Symbol:          "BRK.B",
			Timestamp:       at,
			TimeSpan:        2 * time.Minute,
			Members:         make([]models.AnomalyFlag, 2),
			AnomalyTypes:    []models.AnomalyType{models.AnomalyPriceSpike, models.AnomalyTradeSize},
			AvgSeverity:     0.7375,
			ConvictionScore: 0.545,
			NarrativeTag:    "large trades coinciding with price movement",
		},
		{
			Symbol:          "XYZ",
			Timestamp:       at,
			Members:         make([]models.AnomalyFlag, 3),
			AnomalyTypes:    []models.AnomalyType{models.AnomalyDarkPoolSurge},
			AvgSeverity:     0.9,
			ConvictionScore: 0.8,
			NarrativeTag:    "elevated off-exchange activity",
		},
	}

	msg := formatAlerts(alerts)

	wants := []string{
		"🚨 *Unusual Flow*",
		"📅 Detected: 2026\\-03\\-02 14:30:00 UTC",
		"1\\. *BRK\\.B* large trades coinciding with price movement",
		"🎯 price\\_spike, trade\\_size",
		"📈 conviction 0\\.55 · severity 0\\.74 · 2 flags over 2m0s",
		"2\\. *XYZ* elevated off\\-exchange activity",
		"🔥 conviction 0\\.80",
	}
	for _, want := range wants {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q\n%s", want, msg)
		}
	}
}

func TestConvictionEmoji(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.1, "👀"},
		{0.5, "📈"},
		{0.74, "📈"},
		{0.75, "🔥"},
		{1, "🔥"},
	}
	for _, tt := range tests {
		if got := convictionEmoji(tt.score); got != tt.want {
			t.Errorf("convictionEmoji(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

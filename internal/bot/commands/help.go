package commands

import (
	"context"
	"fmt"
	"strings"
)

const socials = `**Follow Mako Rehaps:**
- YouTube: https://www.youtube.com/@MakoRehaps-_-_-/featured
- SoundCloud: https://soundcloud.com/mako_rehaps
- X (Twitter): https://x.com/MakoRehaps`

func (d *Dispatcher) help(_ context.Context, _ Invocation) (string, error) {
	var b strings.Builder
	b.WriteString("**DKP System Commands:**\n\n")
	for i, c := range d.order {
		fmt.Fprintf(&b, "%d. `%s`\n   - %s\n", i+1, d.syntax(c), c.description)
	}
	if ceiling := d.auctions.MaxBid(); ceiling > 0 {
		fmt.Fprintf(&b, "\nBids are capped at %d DKP.\n", ceiling)
	}
	b.WriteString("\n")
	b.WriteString(socials)
	return b.String(), nil
}

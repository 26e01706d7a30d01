package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type balancePayload struct {
	Realm     string `json:"realm"`
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
}

type guessPayload struct {
	Guess  int    `json:"guess"`
	Answer int    `json:"answer"`
	Reward int64  `json:"reward"`
	Rule   string `json:"rule"`
}

type rollPayload struct {
	Name  string `json:"name"`
	Dice  string `json:"dice"`
	Total int    `json:"total"`
	Rolls []int  `json:"rolls"`
}

type player struct {
	Principal string `json:"principal"`
	Name      string `json:"name"`
}

type gameView struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Bet       int64      `json:"bet"`
	Creator   player     `json:"creator"`
	Players   []player   `json:"players"`
	ExpiresAt *time.Time `json:"expires_at"`
	Pot       int64      `json:"pot"`
}

type outcome struct {
	Cancelled  bool    `json:"cancelled"`
	Winner     *player `json:"winner"`
	Loser      *player `json:"loser"`
	Payout     int64   `json:"payout"`
	Multiplier float64 `json:"multiplier"`
	Pot        int64   `json:"pot"`
}

type joinPayload struct {
	Joined  bool      `json:"joined"`
	Ended   bool      `json:"ended"`
	Game    *gameView `json:"game"`
	Outcome *outcome  `json:"outcome"`
}

type jobRow struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	ExecuteAt time.Time `json:"execute_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
}

type jobsPayload struct {
	Jobs []jobRow `json:"jobs"`
}

type deadRow struct {
	Record   jobRow    `json:"record"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

type deadPayload struct {
	Jobs []deadRow `json:"jobs"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderBalance(b balancePayload) {
	accent.Printf("%s @ %s\n", b.Principal, b.Realm)
	fmt.Printf("Balance: %s\n", colorizeAmount(b.Balance))
}

func renderGuess(g guessPayload) {
	fmt.Printf("You guessed %d, the number was %d.\n", g.Guess, g.Answer)
	if g.Reward == 0 {
		printWarn("No reward today.")
		return
	}
	printSuccess(fmt.Sprintf("+%s (%s)", comma(g.Reward), strings.ReplaceAll(g.Rule, "_", " ")))
}

func rollLine(r rollPayload) string {
	line := fmt.Sprintf("%s rolled %s and got %d", r.Name, r.Dice, r.Total)
	if len(r.Rolls) == 0 {
		return line
	}
	faces := make([]string, len(r.Rolls))
	for i, f := range r.Rolls {
		faces[i] = strconv.Itoa(f)
	}
	return line + " with " + strings.Join(faces, ", ")
}

func renderRoll(r rollPayload) {
	accent.Println(rollLine(r))
}

func renderGame(v gameView) {
	accent.Printf("%s %s\n", strings.ToUpper(v.Kind), v.ID)
	fmt.Printf("Bet:     %s\n", comma(v.Bet))
	fmt.Printf("Pot:     %s\n", comma(v.Pot))
	if v.ExpiresAt != nil {
		left := time.Until(*v.ExpiresAt).Round(time.Second)
		fmt.Printf("Ends:    %s (%s)\n", v.ExpiresAt.Local().Format(time.Kitchen), max(left, 0))
	}
	fmt.Printf("Players: %d\n", len(v.Players))
	for _, p := range v.Players {
		fmt.Printf("  - %s\n", displayName(p))
	}
}

func renderJoin(res joinPayload) {
	if res.Joined && res.Game != nil {
		printSuccess("You made it in.")
		renderGame(*res.Game)
		return
	}
	if !res.Ended || res.Outcome == nil {
		printInfo("Nothing happened.")
		return
	}
	danger.Println("Your join ended the game.")
	renderOutcome(*res.Outcome)
}

func renderOutcome(o outcome) {
	if o.Cancelled {
		printWarn("Not enough players, all bets refunded.")
		return
	}
	if o.Winner != nil {
		printSuccess(fmt.Sprintf("Winner: %s takes %s", displayName(*o.Winner), comma(o.Payout)))
	}
	if o.Multiplier > 0 {
		fmt.Printf("Multiplier: x%.1f on a pot of %s\n", o.Multiplier, comma(o.Pot))
	}
	if o.Loser != nil {
		danger.Printf("Paid by: %s\n", displayName(*o.Loser))
	}
}

func renderJobs(rows []jobRow) {
	if len(rows) == 0 {
		printInfo("No jobs.")
		return
	}
	for _, j := range rows {
		line := jobLine(j, j.Status, j.ExecuteAt)
		if j.LastError != "" {
			warn.Println(line + "  " + j.LastError)
			continue
		}
		fmt.Println(line)
	}
}

func renderDead(rows []deadRow) {
	if len(rows) == 0 {
		printInfo("No dead jobs.")
		return
	}
	for _, d := range rows {
		danger.Println(jobLine(d.Record, "dead", d.FailedAt) + "  " + d.Reason)
	}
}

func jobLine(j jobRow, status string, at time.Time) string {
	return fmt.Sprintf("%-36s  %-16s  %-8s  %s  attempts=%d", j.ID, j.Kind, status, at.Local().Format(time.DateTime), j.Attempts)
}

func displayName(p player) string {
	if p.Name != "" && p.Name != p.Principal {
		return fmt.Sprintf("%s (%s)", p.Name, p.Principal)
	}
	return p.Principal
}

func decodeInto(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func colorizeAmount(v int64) string {
	text := comma(v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func comma(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return sign + s
}

package net

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CuriosAI/sai/internal/game"
)

// Board columns skip the letter I, as conventional.
const columnLetters = "ABCDEFGHJKLMNOPQRSTUVWXYZ"

// MoveText renders a move in board coordinates ("D4", "pass").
func MoveText(move, boardSize int) string {
	if move == game.Pass {
		return "pass"
	}
	x := move % boardSize
	y := move / boardSize
	return fmt.Sprintf("%c%d", columnLetters[x], y+1)
}

// HeatmapString renders the policy as per-mille numbers over the
// board, with illegal-move mass separated out, followed by the value
// head summary and optionally the top moves up to 85% cumulative
// probability.
func HeatmapString(state game.State, result Netresult, topmoves bool, agent AgentEval) string {
	size := state.BoardSize()
	color := state.ToMove()

	legalPolicy := result.PolicyPass
	illegalPolicy := float32(0.0)
	policies := make([]float32, size*size)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			vertex := y*size + x
			policy := result.Policy[vertex]
			if state.IsMoveLegal(color, vertex) {
				legalPolicy += policy
				policies[vertex] = policy
			} else {
				illegalPolicy += policy
			}
		}
	}

	var b strings.Builder
	for y := size - 1; y >= 0; y-- {
		for x := 0; x < size; x++ {
			clean := int(policies[y*size+x] * 1000.0 / legalPolicy)
			fmt.Fprintf(&b, "%3d ", clean)
		}
		b.WriteByte('\n')
	}

	passPolicy := int(result.PolicyPass * 1000 / legalPolicy)
	illegalMillis := int(illegalPolicy * 1000)
	fmt.Fprintf(&b, "pass: %d, illegal: %d\n", passPolicy, illegalMillis)

	if result.IsSai {
		lo, hi := agent.QuantileLambda, agent.QuantileMu
		if hi < lo {
			lo, hi = hi, lo
		}
		fmt.Fprintf(&b, "alpha: %5.2f    ", result.Alpha)
		if result.Beta2 > 0 {
			fmt.Fprintf(&b, "betas: %.2f %.2f ", result.Beta, result.Beta2)
		} else {
			fmt.Fprintf(&b, "beta: %.2f     ", result.Beta)
		}
		fmt.Fprintf(&b, "winrate: %2.1f%%\n", result.Value*100)
		fmt.Fprintf(&b, "alpkt tree: %3.2f\n", agent.AlpktTree)
		fmt.Fprintf(&b, "lambda: %.2f    mu: %.2f       interval: [%.1f, %.1f]\n",
			agent.Lambda, agent.Mu, lo, hi)
	} else {
		fmt.Fprintf(&b, "value: %.1f%%\n", result.Value*100)
	}

	if topmoves {
		type policyMove struct {
			policy float32
			move   int
		}
		moves := make([]policyMove, 0, size*size+1)
		for i := 0; i < size*size; i++ {
			if state.StoneAt(i%size, i/size) == game.Empty {
				moves = append(moves, policyMove{result.Policy[i], i})
			}
		}
		moves = append(moves, policyMove{result.PolicyPass, game.Pass})
		sort.SliceStable(moves, func(i, j int) bool {
			return moves[i].policy > moves[j].policy
		})

		cum := float32(0.0)
		for _, mv := range moves {
			if cum > 0.85 || mv.policy < 0.01 {
				break
			}
			fmt.Fprintf(&b, "%1.3f (%s)\n", mv.policy, MoveText(mv.move, size))
			cum += mv.policy
		}
	}

	return b.String()
}

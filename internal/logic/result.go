package logic

import (
	"fmt"

	"github.com/openmohaa/session-tracker/internal/models"
)

const resultMissingWave = "Unknown Result - Missing Wave Data"

// DetermineSessionResult classifies how a session ended from its stored state.
// terminalWave is the last wave of a full game.
func DetermineSessionResult(s models.Session, wave models.Optional[int], terminalWave int) string {
	w, ok := wave.Get()
	switch {
	case !ok:
		return resultMissingWave
	case w >= terminalWave && s.SurvivorCount > 0:
		return fmt.Sprintf("Win - Completed Wave %d", terminalWave)
	case w >= terminalWave:
		return "Loss - No Survivors"
	default:
		return fmt.Sprintf("Loss - Ended on Wave %d", w)
	}
}

func withSuffix(result, suffix string) string {
	return result + " - " + suffix
}

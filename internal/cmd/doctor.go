package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/LupusDei/adjutant/internal/config"
	"github.com/LupusDei/adjutant/internal/project"
	"github.com/LupusDei/adjutant/internal/store"
	"github.com/LupusDei/adjutant/internal/style"
	"github.com/LupusDei/adjutant/internal/tmux"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and registered projects",
	RunE:  runDoctor,
}

type check struct {
	label  string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []check

	cfg, err := config.Load("")
	checks = append(checks, check{"config readable", err == nil, config.DefaultPath()})
	if err != nil {
		cfg = config.Default()
	}

	stateErr := os.MkdirAll(cfg.ProjectsStateDir, 0o755)
	checks = append(checks, check{"state dir writable", stateErr == nil, cfg.ProjectsStateDir})

	if stateErr == nil {
		st, dbErr := store.Open(filepath.Join(cfg.ProjectsStateDir, "doctor-probe.db"), nil)
		if dbErr == nil {
			_ = st.Close()
			_ = os.Remove(filepath.Join(cfg.ProjectsStateDir, "doctor-probe.db"))
		}
		checks = append(checks, check{"sqlite opens", dbErr == nil, ""})
	}

	_, bdErr := exec.LookPath("bd")
	checks = append(checks, check{"bd on PATH", bdErr == nil, "bead operations need the bd CLI"})

	tm := tmux.New()
	checks = append(checks, check{"tmux available", tm.IsAvailable(), "terminal sessions need tmux"})

	if reg, regErr := project.Load(cfg.ProjectsPath(), nil); regErr == nil {
		for _, p := range reg.List() {
			h, hErr := reg.CheckHealth(p.ID)
			ok := hErr == nil && h.PathExists
			detail := p.Path
			if hErr == nil && !h.GitValid {
				detail += " (no git)"
			}
			checks = append(checks, check{"project " + p.Name, ok, detail})
		}
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	failed := 0
	for _, c := range checks {
		if !c.ok {
			failed++
		}
		if interactive {
			fmt.Println(style.Check(c.ok, c.label, c.detail))
		} else {
			mark := "ok"
			if !c.ok {
				mark = "FAIL"
			}
			fmt.Printf("%-4s %s %s\n", mark, c.label, c.detail)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	style.PrintSuccess("all checks passed")
	return nil
}

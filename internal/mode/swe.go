package mode

// SoftwareEngineering returns the spec's worked example mode:
//
//	backlog -> spec -> qa -> impl -> done
//	                   |     |
//	                   +- qa_fix <-+ (routed on test-file authored failure)
//	                               |
//	                               retry <- (normal test failure, attempt < max)
//	                   rebase (PR-time branch repair)
func SoftwareEngineering() Mode {
	return Mode{
		Name:               "software-engineering",
		Label:              "Software Engineering",
		UsesWorktrees:      true,
		UsesSandbox:        true,
		UsesVCS:            true,
		DefaultMaxAttempts: 3,
		InitialStatus:      "backlog",
		Phases: []Phase{
			{
				Name:     "backlog",
				Label:    "Prepare workspace",
				Role:     RoleSetup,
				Priority: 3,
				Next:     "spec",
			},
			{
				Name:                "spec",
				Label:               "Write spec",
				Role:                RoleAgent,
				SystemPrompt:        "You are a meticulous software architect.",
				Instruction:         "Write a short implementation spec for this task.",
				IncludeTaskContext:  true,
				IncludeFileListing:  true,
				Priority:            2,
				Next:                "qa",
			},
			{
				Name:                "qa",
				Label:               "Write tests",
				Role:                RoleAgent,
				SystemPrompt:        "You are a rigorous test engineer.",
				Instruction:         "Write failing tests that capture the spec's requirements.",
				ErrorInstruction:    "Your previous test-writing attempt failed:\n{ERROR}\nFix the tests and retry.",
				IncludeTaskContext:  true,
				Commits:             true,
				CommitMessage:       "test: add failing tests for task",
				Priority:            1,
				Next:                "impl",
			},
			{
				Name:                "qa_fix",
				Label:               "Fix authored tests",
				Role:                RoleAgent,
				SystemPrompt:        "You are a rigorous test engineer.",
				Instruction:         "The tests you authored do not compile or run. Fix them.",
				ErrorInstruction:    "Test-authoring error:\n{ERROR}",
				Commits:             true,
				CommitMessage:       "test: fix authored tests",
				Priority:            1,
				Next:                "impl",
			},
			{
				Name:                "impl",
				Label:               "Implement",
				Role:                RoleAgent,
				SystemPrompt:        "You are a senior software engineer.",
				Instruction:         "Implement the feature so the tests pass.",
				ErrorInstruction:    "The previous implementation attempt failed:\n{ERROR}\nFix it and retry.",
				IncludeTaskContext:  true,
				RunsTests:           true,
				HasQAFixRouting:     true,
				Commits:             true,
				CommitMessage:       "feat: implement task",
				Priority:            0,
				Next:                "done",
			},
			{
				Name:     "retry",
				Label:    "Retry workspace fix-up",
				Role:     RoleSetup,
				Priority: 4,
				Next:     "impl",
			},
			{
				Name:       "rebase",
				Label:      "Rebase branch onto base",
				Role:       RoleRebase,
				Priority:   5,
				RebaseBase: "main",
				Next:       "done",
			},
		},
	}
}

package repositories

// priorityRankSQL is the tie-break key shared by the request and job
// queues (completions have no priority column): lower rank claims first.
// interactive=0, normal=1, background=2, and 1 for anything unrecognized,
// matching protocol.Priority.Rank().
const priorityRankSQL = "CASE priority WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 WHEN 'background' THEN 2 ELSE 1 END"

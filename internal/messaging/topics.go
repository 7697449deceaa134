package messaging

// Topic name defaults for the pool messaging system. The configured names in
// config.Config take precedence; these are the conventional values.
const (
	// TopicStratumJob carries freshly-minted mining templates, jobmaker → sserver
	TopicStratumJob = "StratumJob"
	// TopicShareLog carries every classified share, sserver → sharelogger
	TopicShareLog = "ShareLog"
	// TopicSolvedShare carries block-solving shares, sserver → blockmaker
	TopicSolvedShare = "SolvedShare"
)

package version

// Version is the current version of lineage-miner.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "1.4.0"

// Name is the application name.
const Name = "lineage-miner"

// Description is a short description of the application.
const Description = "Warehouse query-log lineage discovery pipeline"

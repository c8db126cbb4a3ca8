// Package progress provides terminal progress reporting for downloads.
//
// The reporter draws a progressbar/v3 bar with transfer speed and ETA and
// prints a short summary when the download ends. FormatBytes and
// ParseBytes convert between byte counts and human-readable sizes.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalSize: total,
//	    SourceURL: url,
//	})
//
//	reporter.Start()
//	// for every chunk
//	reporter.ChunkReceived(chunk.Offset)
//	// when done
//	reporter.Stop(err)
//
// # Output Format
//
//	[siphon] Downloading: https://example.com/track.webm
//	[siphon] Total size: 4.2 MiB | Chunk size: 256 KiB
//	[siphon]  45% |█████████████           | (1.9/4.2 MB, 3.1 MB/s) [0s:1s]
//	[siphon] Complete: 4.2 MiB in 18 chunks
//	[siphon] Total time: 2s | Average speed: 2.1 MiB/s
package progress

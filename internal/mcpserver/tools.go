package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the karmaguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeKarmaLog = mcp.NewTool("analyze_karma_log",
	mcp.WithDescription(
		"Score a user's karma log for vote manipulation and spam. "+
			"Returns a fraud score between 0 and 1, a status (clean, flagged, banned_recommendation), "+
			"and the suspicious activities that explain it."),
	mcp.WithString("karma_log_json",
		mcp.Required(),
		mcp.Description("The user record as JSON: {\"user_id\": \"...\", \"account_age_days\": 12, \"karma_log\": [{\"activity_id\": \"a1\", \"type\": \"upvote_received\", \"from_user\": \"bob\", \"timestamp\": \"2024-05-01T10:00:00Z\"}]}. "+
			"Activity types: upvote_received, upvote_sent, comment, post_created.")),
	mcp.WithBoolean("include_features",
		mcp.Description("Also return the computed feature vector")),
)

var ToolGetUserHistory = mcp.NewTool("get_user_history",
	mcp.WithDescription(
		"List previous assessments recorded for a user, most recent first. "+
			"Use this to see whether a user's risk has been rising."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user identifier")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum assessments to return (1-100, default 10)")),
	mcp.WithString("cursor",
		mcp.Description("next_cursor from a previous call, to fetch older assessments")),
)

var ToolGetServiceVersion = mcp.NewTool("get_service_version",
	mcp.WithDescription(
		"Get the scoring policy version in effect. Scores from different policy versions are not directly comparable."),
)

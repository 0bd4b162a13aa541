package knowledge

import (
	"context"
	"fmt"
)

// SeedSource marks the starter articles so they can be replaced as a set.
const SeedSource = "builtin:starter"

var starterArticles = []Document{
	{
		Title:    "Password Reset Guide",
		Category: "account",
		Content: "To reset your password: 1) Go to the login page 2) Click 'Forgot Password' " +
			"3) Enter your email 4) Check your email for reset link 5) Follow the instructions in the email. " +
			"Password must be at least 8 characters with uppercase, lowercase, and numbers.",
	},
	{
		Title:    "Pricing Plans",
		Category: "billing",
		Content: "We offer three pricing plans: Basic ($9/month) - Up to 5 users, 10GB storage; " +
			"Pro ($29/month) - Up to 25 users, 100GB storage, priority support; " +
			"Enterprise ($99/month) - Unlimited users, 1TB storage, dedicated support, custom integrations.",
	},
	{
		Title:    "Account Setup",
		Category: "account",
		Content: "Setting up your account: 1) Sign up with email 2) Verify email address " +
			"3) Complete profile information 4) Choose your plan 5) Add team members if needed. " +
			"You can upgrade or downgrade your plan anytime from the billing section.",
	},
	{
		Title:    "API Documentation",
		Category: "developer",
		Content: "Our REST API supports GET, POST, PUT, DELETE operations. Authentication uses API keys. " +
			"Rate limit is 1000 requests per hour for Basic, 5000 for Pro, unlimited for Enterprise. " +
			"All responses are in JSON format. Base URL: https://api.example.com/v1/",
	},
	{
		Title:    "Troubleshooting",
		Category: "support",
		Content: "Common issues: 1) Login problems - Clear browser cache, check caps lock " +
			"2) Slow performance - Check internet connection, try different browser " +
			"3) File upload issues - Check file size (max 10MB), supported formats: PDF, DOC, JPG, PNG " +
			"4) Payment issues - Verify card details, check with bank",
	},
}

// SeedDefaults loads the starter articles when the store is empty and
// returns how many were added.
func (s *Store) SeedDefaults(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	for i, doc := range starterArticles {
		doc.Source = SeedSource
		if _, err := s.Add(ctx, doc); err != nil {
			return i, fmt.Errorf("seed %q: %w", doc.Title, err)
		}
	}
	return len(starterArticles), nil
}

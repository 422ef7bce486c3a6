/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package submission

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendpolicy",
			Subsystem: "submission",
			Name:      "started_transactions",
			Help:      "Submission transactions started by the first RCPT",
		},
		[]string{"endpoint"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendpolicy",
			Subsystem: "submission",
			Name:      "completed_transactions",
			Help:      "Submission transactions handed to the queue",
		},
		[]string{"endpoint"},
	)
	abortedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendpolicy",
			Subsystem: "submission",
			Name:      "aborted_transactions",
			Help:      "Submission transactions dropped by RSET, MAIL or QUIT",
		},
		[]string{"endpoint"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendpolicy",
			Subsystem: "submission",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
		[]string{"endpoint"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendpolicy",
			Subsystem: "submission",
			Name:      "failed_commands",
			Help:      "Failed commands (AUTH, MAIL, RCPT, DATA)",
		},
		[]string{"endpoint", "command", "smtp_code", "smtp_enchcode"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(abortedTransactions)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(failedCmds)
}

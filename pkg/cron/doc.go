/*
Package cron drives the periodic maintenance passes: the healing health
check and stuck-job sweep, the incremental scrape, the hourly cohesiveness
scoring, and the midnight full sync with cleanup and daily report. Each
pass only calls the public operations of the stateful components.
*/
package cron
